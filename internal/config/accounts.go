package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// DefaultAccountID names the implicit account when a channel config has
// no accounts map.
const DefaultAccountID = "default"

// AccountConfig carries the per-account knobs common to every channel.
// A channel config embeds one as the base; entries in its Accounts map
// override it field by field (the account wins where set).
type AccountConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Token     string `json:"token,omitempty"`
	TokenFile string `json:"token_file,omitempty"`
	AppToken  string `json:"app_token,omitempty"` // Slack socket-mode app token
	Endpoint  string `json:"endpoint,omitempty"`  // gateway/bridge URL for websocket and RPC transports
	BotID     string `json:"bot_id,omitempty"`

	DMPolicy       string              `json:"dm_policy,omitempty"`    // "pairing", "allowlist", "open", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"` // "open", "allowlist", "disabled"
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
	GroupAllowFrom FlexibleStringSlice `json:"group_allow_from,omitempty"`
	RequireMention *bool               `json:"require_mention,omitempty"` // groups only; default true

	MediaMaxMB     int    `json:"media_max_mb,omitempty"`
	DebounceMs     *int   `json:"debounce_ms,omitempty"`      // overrides gateway.inbound_debounce_ms
	TextChunkLimit int    `json:"text_chunk_limit,omitempty"` // surface length limit override
	TableMode      string `json:"table_mode,omitempty"`       // "code" (default), "compact", "drop"

	// Slack OAuth mode; only consulted when Token/AppToken are empty.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// ChannelConfig is one channel's section: a base AccountConfig plus
// optional named account overrides.
type ChannelConfig struct {
	Enabled bool `json:"enabled"`
	AccountConfig
	Accounts map[string]AccountConfig `json:"accounts,omitempty"`
}

// ChannelsConfig contains per-channel configuration keyed by channel id.
type ChannelsConfig struct {
	Mezon    ChannelConfig `json:"mezon"`
	Signal   ChannelConfig `json:"signal"`
	Telegram ChannelConfig `json:"telegram"`
	Discord  ChannelConfig `json:"discord"`
	Slack    ChannelConfig `json:"slack"`
}

// Channel returns the section for a channel id, or nil for unknown ids.
func (c *ChannelsConfig) Channel(id string) *ChannelConfig {
	switch id {
	case "mezon":
		return &c.Mezon
	case "signal":
		return &c.Signal
	case "telegram":
		return &c.Telegram
	case "discord":
		return &c.Discord
	case "slack":
		return &c.Slack
	}
	return nil
}

// ListAccountIDs returns the channel's account ids, the default account
// first, the rest sorted.
func (cc *ChannelConfig) ListAccountIDs() []string {
	ids := []string{DefaultAccountID}
	extra := make([]string, 0, len(cc.Accounts))
	for id := range cc.Accounts {
		if id != DefaultAccountID {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	return append(ids, extra...)
}

// ResolveAccount merges the base config with the named account's
// overrides. The account record wins wherever it sets a field.
func (cc *ChannelConfig) ResolveAccount(accountID string) AccountConfig {
	eff := cc.AccountConfig
	if accountID == "" {
		accountID = DefaultAccountID
	}
	acct, ok := cc.Accounts[accountID]
	if !ok {
		return eff
	}
	if acct.Enabled != nil {
		eff.Enabled = acct.Enabled
	}
	if acct.Token != "" {
		eff.Token = acct.Token
	}
	if acct.TokenFile != "" {
		eff.TokenFile = acct.TokenFile
	}
	if acct.AppToken != "" {
		eff.AppToken = acct.AppToken
	}
	if acct.Endpoint != "" {
		eff.Endpoint = acct.Endpoint
	}
	if acct.BotID != "" {
		eff.BotID = acct.BotID
	}
	if acct.DMPolicy != "" {
		eff.DMPolicy = acct.DMPolicy
	}
	if acct.GroupPolicy != "" {
		eff.GroupPolicy = acct.GroupPolicy
	}
	if len(acct.AllowFrom) > 0 {
		eff.AllowFrom = acct.AllowFrom
	}
	if len(acct.GroupAllowFrom) > 0 {
		eff.GroupAllowFrom = acct.GroupAllowFrom
	}
	if acct.RequireMention != nil {
		eff.RequireMention = acct.RequireMention
	}
	if acct.MediaMaxMB > 0 {
		eff.MediaMaxMB = acct.MediaMaxMB
	}
	if acct.DebounceMs != nil {
		eff.DebounceMs = acct.DebounceMs
	}
	if acct.TextChunkLimit > 0 {
		eff.TextChunkLimit = acct.TextChunkLimit
	}
	if acct.TableMode != "" {
		eff.TableMode = acct.TableMode
	}
	if acct.ClientID != "" {
		eff.ClientID = acct.ClientID
	}
	if acct.ClientSecret != "" {
		eff.ClientSecret = acct.ClientSecret
	}
	return eff
}

// AccountEnabled reports whether an account is active: the channel must
// be enabled, and the merged Enabled flag (default true) must not be
// false.
func (cc *ChannelConfig) AccountEnabled(accountID string) bool {
	if !cc.Enabled {
		return false
	}
	eff := cc.ResolveAccount(accountID)
	return eff.Enabled == nil || *eff.Enabled
}

// TokenSource names where a credential came from.
type TokenSource string

const (
	TokenSourceEnv        TokenSource = "env"
	TokenSourceConfig     TokenSource = "config"
	TokenSourceConfigFile TokenSource = "configFile"
	TokenSourceNone       TokenSource = "none"
)

// Credential is a resolved token plus its provenance.
type Credential struct {
	Token  string
	Source TokenSource
}

// ResolveCredential resolves the account's token with the precedence
// inline config → token file (read on demand, trimmed) → environment
// variable. The env var <CHANNEL>_BOT_TOKEN is consulted only for the
// channel's default account.
func ResolveCredential(channelID, accountID string, eff AccountConfig) (Credential, error) {
	if eff.Token != "" {
		return Credential{Token: eff.Token, Source: TokenSourceConfig}, nil
	}
	if eff.TokenFile != "" {
		data, err := os.ReadFile(ExpandHome(eff.TokenFile))
		if err != nil {
			return Credential{Source: TokenSourceNone}, fmt.Errorf("read token file: %w", err)
		}
		tok := strings.TrimSpace(string(data))
		if tok != "" {
			return Credential{Token: tok, Source: TokenSourceConfigFile}, nil
		}
	}
	if accountID == "" || accountID == DefaultAccountID {
		envKey := strings.ToUpper(channelID) + "_BOT_TOKEN"
		if tok := os.Getenv(envKey); tok != "" {
			return Credential{Token: tok, Source: TokenSourceEnv}, nil
		}
	}
	return Credential{Source: TokenSourceNone}, nil
}

// ResolveBotID resolves the bot's own id with the same config → env
// fallback as ResolveCredential (default account only for env).
func ResolveBotID(channelID, accountID string, eff AccountConfig) string {
	if eff.BotID != "" {
		return eff.BotID
	}
	if accountID == "" || accountID == DefaultAccountID {
		return os.Getenv(strings.ToUpper(channelID) + "_BOT_ID")
	}
	return ""
}

package channels

import (
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// BasePlugin supplies the config-backed half of the Plugin contract.
// Channel implementations embed it and provide StartAccount plus any
// surface-specific overrides (capabilities, target normalization,
// default DM policy).
type BasePlugin struct {
	PluginID        string
	PluginMeta      Meta
	PluginCaps      Capabilities
	DefaultDMPolicy string
}

func (b *BasePlugin) ID() string                 { return b.PluginID }
func (b *BasePlugin) Meta() Meta                 { return b.PluginMeta }
func (b *BasePlugin) Capabilities() Capabilities { return b.PluginCaps }

func (b *BasePlugin) channelConfig(cfg *config.Config) *config.ChannelConfig {
	return cfg.Channels.Channel(b.PluginID)
}

// ListAccountIDs returns the configured accounts, default first.
func (b *BasePlugin) ListAccountIDs(cfg *config.Config) []string {
	cc := b.channelConfig(cfg)
	if cc == nil {
		return []string{config.DefaultAccountID}
	}
	return cc.ListAccountIDs()
}

// ResolveAccount merges base channel config with the account override.
func (b *BasePlugin) ResolveAccount(cfg *config.Config, accountID string) config.AccountConfig {
	cc := b.channelConfig(cfg)
	if cc == nil {
		return config.AccountConfig{}
	}
	return cc.ResolveAccount(accountID)
}

// DefaultAccountID names the account env credentials bind to.
func (b *BasePlugin) DefaultAccountID(*config.Config) string {
	return config.DefaultAccountID
}

// IsConfigured reports whether the channel is enabled and at least one
// account resolves a credential.
func (b *BasePlugin) IsConfigured(cfg *config.Config) bool {
	cc := b.channelConfig(cfg)
	if cc == nil || !cc.Enabled {
		return false
	}
	for _, id := range cc.ListAccountIDs() {
		cred, err := config.ResolveCredential(b.PluginID, id, cc.ResolveAccount(id))
		if err == nil && cred.Source != config.TokenSourceNone {
			return true
		}
	}
	return false
}

// ResolveDMPolicy returns the account's effective DM policy with the
// shared entry normalizer.
func (b *BasePlugin) ResolveDMPolicy(acct config.AccountConfig) DMPolicyInfo {
	policy := acct.DMPolicy
	if policy == "" {
		policy = b.DefaultDMPolicy
	}
	if policy == "" {
		policy = DMPolicyPairing
	}
	return DMPolicyInfo{
		Policy:         policy,
		AllowFrom:      acct.AllowFrom,
		ApproveHint:    "approve with the pairing code shown to the sender",
		NormalizeEntry: NormalizeEntry,
	}
}

// NormalizeTarget canonicalizes a send destination.
func (b *BasePlugin) NormalizeTarget(raw string) string {
	return NormalizeEntry(raw)
}

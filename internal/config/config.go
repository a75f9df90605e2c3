// Package config defines the gateway configuration document: per-channel
// account configs with base⊕override merging, session store paths, command
// authorization settings, and agent routing defaults.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultAgentID is used when no agent is explicitly bound.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gateway.
type Config struct {
	Agents   AgentsConfig   `json:"agents"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Session  SessionConfig  `json:"session"`
	Commands CommandsConfig `json:"commands"`
	Pairing  PairingConfig  `json:"pairing"`

	mu sync.RWMutex
}

// AgentsConfig holds agent routing defaults and bindings.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
	Bindings []Binding     `json:"bindings,omitempty"`
}

// AgentDefaults carries gateway-relevant agent settings; the agent
// runtime itself lives behind the dispatcher contract.
type AgentDefaults struct {
	AgentID      string `json:"agent_id,omitempty"`     // default "default"
	Endpoint     string `json:"endpoint,omitempty"`     // agent engine command URL
	UserTimezone string `json:"userTimezone,omitempty"` // IANA TZ; prefixes inbound messages when set
	DMScope      string `json:"dm_scope,omitempty"`     // "per-channel-peer" (default), "per-account-channel-peer", "main"
	MainKey      string `json:"main_key,omitempty"`     // main session suffix (default "main")
}

// Binding routes a channel (optionally one peer of it) to an agent.
type Binding struct {
	Match   BindingMatch `json:"match"`
	AgentID string       `json:"agent_id"`
}

// BindingMatch selects messages by channel, account, and optionally peer.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"account_id,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer pins a binding to a single conversation.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// GatewayConfig controls pipeline-wide behavior.
type GatewayConfig struct {
	InboundDebounceMs int                 `json:"inbound_debounce_ms,omitempty"` // per-channel override wins; 0 = disabled
	StopFlush         string              `json:"stop_flush,omitempty"`          // "drop" (default) or "dispatch": pending debounce batches on account stop
	OwnerIDs          FlexibleStringSlice `json:"owner_ids,omitempty"`
}

// SessionConfig controls the session store.
type SessionConfig struct {
	Store string `json:"store"` // directory holding one JSON document per agent
}

// CommandsConfig controls control-command authorization.
type CommandsConfig struct {
	UseAccessGroups bool                `json:"useAccessGroups,omitempty"`
	AccessGroups    map[string][]string `json:"accessGroups,omitempty"` // group name → sender ids
}

// PairingConfig controls the pairing store.
type PairingConfig struct {
	Store string `json:"store,omitempty"` // directory holding one JSON document per channel
}

// Snapshot returns a deep-enough copy for concurrent readers; slices
// and maps are shared, so treat the result as read-only.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Agents:   c.Agents,
		Channels: c.Channels,
		Gateway:  c.Gateway,
		Session:  c.Session,
		Commands: c.Commands,
		Pairing:  c.Pairing,
	}
}

// ResolveDefaultAgentID returns the configured default agent id.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agents.Defaults.AgentID != "" {
		return c.Agents.Defaults.AgentID
	}
	return DefaultAgentID
}

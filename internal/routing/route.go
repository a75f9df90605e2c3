// Package routing resolves which agent and session a conversation maps
// to. Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the conversation:
//
//	DM:    {channel}:direct:{peerId}
//	Group: {channel}:group:{groupId}
//
// Examples:
//
//	agent:default:mezon:direct:1833682843671203840
//	agent:default:telegram:group:-100123456
package routing

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// Route is the resolved destination for one inbound conversation.
// Resolution is deterministic for a given (channel, accountId, peer).
type Route struct {
	AgentID        string
	AccountID      string
	SessionKey     string
	MainSessionKey string
}

// BuildSessionKey builds the canonical per-conversation session key.
func BuildSessionKey(agentID, channel string, kind bus.ChatType, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, peerID)
}

// BuildAccountSessionKey builds the account-scoped variant used when
// dm_scope is "per-account-channel-peer".
func BuildAccountSessionKey(agentID, channel, accountID string, kind bus.ChatType, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, channel, accountID, kind, peerID)
}

// BuildMainSessionKey builds the shared "main" session key for an
// agent, used when dm_scope is "main".
func BuildMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// ParseSessionKey extracts the agentID and rest from a canonical
// session key. Returns ("", "") for malformed keys.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// Resolve maps (channel, accountId, peer) to its agent and session
// keys. Binding priority: peer-level match, then account-level, then
// channel-level, then the configured default agent.
func Resolve(cfg *config.Config, channel, accountID string, peer bus.Peer) Route {
	snap := cfg.Snapshot()
	agentID := resolveAgentID(&snap, channel, accountID, peer)

	defaults := snap.Agents.Defaults
	sessionKey := ""
	if peer.Kind == bus.ChatGroup {
		// Groups always key by the full conversation.
		sessionKey = BuildSessionKey(agentID, channel, peer.Kind, peer.ID)
	} else {
		switch defaults.DMScope {
		case "main":
			sessionKey = BuildMainSessionKey(agentID, defaults.MainKey)
		case "per-account-channel-peer":
			sessionKey = BuildAccountSessionKey(agentID, channel, accountID, peer.Kind, peer.ID)
		default: // "per-channel-peer"
			sessionKey = BuildSessionKey(agentID, channel, peer.Kind, peer.ID)
		}
	}

	return Route{
		AgentID:        agentID,
		AccountID:      accountID,
		SessionKey:     sessionKey,
		MainSessionKey: BuildMainSessionKey(agentID, defaults.MainKey),
	}
}

func resolveAgentID(cfg *config.Config, channel, accountID string, peer bus.Peer) string {
	accountLevel, channelLevel := "", ""
	for _, binding := range cfg.Agents.Bindings {
		match := binding.Match
		if match.Channel != channel {
			continue
		}
		if match.AccountID != "" && match.AccountID != accountID {
			continue
		}
		if match.Peer != nil {
			if match.Peer.Kind == string(peer.Kind) && match.Peer.ID == peer.ID {
				return binding.AgentID
			}
			continue
		}
		if match.AccountID != "" {
			if accountLevel == "" {
				accountLevel = binding.AgentID
			}
		} else if channelLevel == "" {
			channelLevel = binding.AgentID
		}
	}
	if accountLevel != "" {
		return accountLevel
	}
	if channelLevel != "" {
		return channelLevel
	}
	if cfg.Agents.Defaults.AgentID != "" {
		return cfg.Agents.Defaults.AgentID
	}
	return config.DefaultAgentID
}

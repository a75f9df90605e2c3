package channels

import (
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// DM policies control how DMs from unknown senders are handled.
const (
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
	DMPolicyOpen      = "open"
	DMPolicyDisabled  = "disabled"
)

// Group policies control how group messages are handled.
const (
	GroupPolicyOpen      = "open"
	GroupPolicyAllowlist = "allowlist"
	GroupPolicyDisabled  = "disabled"
)

// AccessContext is one inbound message as the policy gate sees it.
type AccessContext struct {
	SenderID     string
	ChatType     bus.ChatType
	Text         string
	WasMentioned bool
}

// AccessConfig is the merged policy input: configured allowlists plus
// the channel's durable pairing allowlist.
type AccessConfig struct {
	Channel        string
	DMPolicy       string
	GroupPolicy    string
	AllowFrom      []string
	GroupAllowFrom []string
	RequireMention bool
	Normalize      func(string) string
	Commands       config.CommandsConfig
	OwnerIDs       []string
}

// Decision is the gate's verdict. RequiresPairing means "drop, but run
// the pairing flow". CommandAuthorized is nil unless the text carries
// a control command.
type Decision struct {
	Allowed           bool
	RequiresPairing   bool
	Reason            string
	CommandAuthorized *bool
}

// NormalizeEntry canonicalizes an allowlist entry or sender id:
// lower-cased, transport prefixes and leading @ stripped, trimmed.
// Idempotent: NormalizeEntry(NormalizeEntry(x)) == NormalizeEntry(x).
func NormalizeEntry(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	for _, prefix := range []string{"mezon:", "mz:", "signal:", "telegram:", "tg:", "discord:", "slack:"} {
		if strings.HasPrefix(s, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	return strings.TrimPrefix(s, "@")
}

// EvaluateAccess runs the policy checks in order: DM policy, group
// policy, mention gating, command authorization. Drops are silent
// except for the pairing case, which the caller answers with one
// pairing reply.
func EvaluateAccess(actx AccessContext, cfg AccessConfig) Decision {
	normalize := cfg.Normalize
	if normalize == nil {
		normalize = NormalizeEntry
	}
	sender := normalize(actx.SenderID)

	switch actx.ChatType {
	case bus.ChatDirect:
		switch cfg.DMPolicy {
		case DMPolicyDisabled:
			return Decision{Reason: "dm disabled"}
		case DMPolicyPairing:
			if !inAllowList(sender, cfg.AllowFrom, normalize) {
				return Decision{RequiresPairing: true, Reason: "dm pairing required"}
			}
		case DMPolicyAllowlist:
			if !inAllowList(sender, cfg.AllowFrom, normalize) {
				return Decision{Reason: "dm sender not allowed"}
			}
		}
	case bus.ChatGroup:
		switch cfg.GroupPolicy {
		case GroupPolicyDisabled:
			return Decision{Reason: "groups disabled"}
		case GroupPolicyAllowlist:
			allow := cfg.GroupAllowFrom
			if len(allow) == 0 {
				return Decision{Reason: "group allowlist empty"}
			}
			if !inAllowList(sender, allow, normalize) {
				return Decision{Reason: "group sender not allowed"}
			}
		}
		if cfg.RequireMention && !actx.WasMentioned {
			return Decision{Reason: "not mentioned"}
		}
	}

	decision := Decision{Allowed: true}
	if bus.IsControlCommand(actx.Text) {
		authorized := commandAuthorized(sender, cfg, normalize)
		decision.CommandAuthorized = &authorized
		// Groups drop unauthorized control commands outright; DMs pass
		// them through with the flag so the agent layer can refuse.
		if actx.ChatType == bus.ChatGroup && !authorized {
			return Decision{Reason: "unauthorized group command"}
		}
	}
	return decision
}

// commandAuthorized evaluates control-command access. With access
// groups enabled the sender must appear in one; otherwise owner ids
// and the effective allowlist decide.
func commandAuthorized(sender string, cfg AccessConfig, normalize func(string) string) bool {
	if cfg.Commands.UseAccessGroups {
		for _, members := range cfg.Commands.AccessGroups {
			if inAllowList(sender, members, normalize) {
				return true
			}
		}
		return false
	}
	if inAllowList(sender, cfg.OwnerIDs, normalize) {
		return true
	}
	return inAllowList(sender, cfg.AllowFrom, normalize)
}

func inAllowList(sender string, allow []string, normalize func(string) string) bool {
	for _, entry := range allow {
		if normalize(entry) == sender {
			return true
		}
	}
	return false
}

// MergeAllowFrom unions the configured allowlist with the durable
// pairing allowlist, normalized and deduplicated, preserving order.
func MergeAllowFrom(configured, paired []string) []string {
	seen := make(map[string]bool, len(configured)+len(paired))
	out := make([]string, 0, len(configured)+len(paired))
	for _, list := range [][]string{configured, paired} {
		for _, raw := range list {
			entry := NormalizeEntry(raw)
			if entry == "" || seen[entry] {
				continue
			}
			seen[entry] = true
			out = append(out, entry)
		}
	}
	return out
}

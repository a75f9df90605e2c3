package routing

import (
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

func TestResolveDeterministic(t *testing.T) {
	cfg := config.Default()
	peer := bus.Peer{Kind: bus.ChatDirect, ID: "1833682843671203840"}

	first := Resolve(cfg, "mezon", "default", peer)
	for i := 0; i < 5; i++ {
		if got := Resolve(cfg, "mezon", "default", peer); got != first {
			t.Fatalf("resolution not deterministic: %+v != %+v", got, first)
		}
	}
	if first.SessionKey != "agent:default:mezon:direct:1833682843671203840" {
		t.Errorf("unexpected session key %q", first.SessionKey)
	}
	if first.MainSessionKey != "agent:default:main" {
		t.Errorf("unexpected main key %q", first.MainSessionKey)
	}
}

func TestResolveGroupKey(t *testing.T) {
	cfg := config.Default()
	route := Resolve(cfg, "telegram", "default", bus.Peer{Kind: bus.ChatGroup, ID: "-100123456"})
	if route.SessionKey != "agent:default:telegram:group:-100123456" {
		t.Errorf("unexpected group key %q", route.SessionKey)
	}
}

func TestResolveDMScopes(t *testing.T) {
	peer := bus.Peer{Kind: bus.ChatDirect, ID: "u1"}
	tests := []struct {
		scope string
		want  string
	}{
		{"main", "agent:default:main"},
		{"per-account-channel-peer", "agent:default:mezon:acct2:direct:u1"},
		{"per-channel-peer", "agent:default:mezon:direct:u1"},
		{"", "agent:default:mezon:direct:u1"},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.Agents.Defaults.DMScope = tt.scope
		route := Resolve(cfg, "mezon", "acct2", peer)
		if route.SessionKey != tt.want {
			t.Errorf("scope %q: got %q, want %q", tt.scope, route.SessionKey, tt.want)
		}
	}
}

func TestResolveBindings(t *testing.T) {
	cfg := config.Default()
	cfg.Agents.Bindings = []config.Binding{
		{Match: config.BindingMatch{Channel: "mezon", Peer: &config.BindingPeer{Kind: "direct", ID: "vip"}}, AgentID: "concierge"},
		{Match: config.BindingMatch{Channel: "mezon"}, AgentID: "mezon-agent"},
	}

	if r := Resolve(cfg, "mezon", "default", bus.Peer{Kind: bus.ChatDirect, ID: "vip"}); r.AgentID != "concierge" {
		t.Errorf("peer binding not applied: %q", r.AgentID)
	}
	if r := Resolve(cfg, "mezon", "default", bus.Peer{Kind: bus.ChatDirect, ID: "other"}); r.AgentID != "mezon-agent" {
		t.Errorf("channel binding not applied: %q", r.AgentID)
	}
	if r := Resolve(cfg, "telegram", "default", bus.Peer{Kind: bus.ChatDirect, ID: "other"}); r.AgentID != "default" {
		t.Errorf("unbound channel should use default agent: %q", r.AgentID)
	}
}

func TestParseSessionKey(t *testing.T) {
	tests := []struct {
		key, wantAgent, wantRest string
	}{
		{"agent:default:mezon:direct:u1", "default", "mezon:direct:u1"},
		{"agent:ops:main", "ops", "main"},
		{"malformed", "", ""},
		{"other:x:y", "", ""},
	}
	for _, tt := range tests {
		agent, rest := ParseSessionKey(tt.key)
		if agent != tt.wantAgent || rest != tt.wantRest {
			t.Errorf("ParseSessionKey(%q) = (%q, %q), want (%q, %q)", tt.key, agent, rest, tt.wantAgent, tt.wantRest)
		}
	}
}

package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// ErrHashMismatch is returned by Patch when the caller's base hash no
// longer matches the live config.
var ErrHashMismatch = errors.New("config hash mismatch")

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				AgentID: DefaultAgentID,
				DMScope: "per-channel-peer",
				MainKey: "main",
			},
		},
		Gateway: GatewayConfig{
			InboundDebounceMs: 0,
			StopFlush:         "drop",
		},
		Session: SessionConfig{
			Store: "~/.clawgate/sessions",
		},
		Pairing: PairingConfig{
			Store: "~/.clawgate/pairing",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWGATE_SESSION_STORE", &c.Session.Store)
	envStr("CLAWGATE_PAIRING_STORE", &c.Pairing.Store)
	envStr("CLAWGATE_AGENT_ID", &c.Agents.Defaults.AgentID)
	envStr("CLAWGATE_USER_TIMEZONE", &c.Agents.Defaults.UserTimezone)

	if v := os.Getenv("CLAWGATE_INBOUND_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Gateway.InboundDebounceMs = ms
		}
	}

	// Auto-enable channels whose default-account token arrives via env.
	for _, id := range []string{"mezon", "signal", "telegram", "discord", "slack"} {
		cc := c.Channels.Channel(id)
		cred, _ := ResolveCredential(id, DefaultAccountID, cc.ResolveAccount(DefaultAccountID))
		if cred.Source == TokenSourceEnv {
			cc.Enabled = true
		}
	}
}

// Save writes the config to a JSON file with a restrictive mode.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 prefix of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// Patch applies a partial JSON document on top of the live config,
// guarded by the hash observed at read time. A stale hash fails with
// ErrHashMismatch and leaves the config untouched.
func (c *Config) Patch(baseHash string, partial []byte) error {
	if baseHash != c.Hash() {
		return ErrHashMismatch
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := json5.Unmarshal(partial, c); err != nil {
		return fmt.Errorf("apply config patch: %w", err)
	}
	return nil
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Package channels provides the channel plugin layer: the plugin
// contract every transport implements, the registry of active plugins,
// the policy gate, and the account runtime supervisor.
//
// A plugin connects one messaging surface (Mezon, Signal, Telegram,
// Discord, Slack) to the core inbound pipeline. Plugins never import
// the pipeline packages directly; they receive a core runtime handle
// in their start context, which keeps each plugin replaceable in
// tests.
package channels

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// Meta describes a plugin for listings and config UIs.
type Meta struct {
	Label   string
	Aliases []string
	Order   int
}

// Capabilities declares what a surface supports. BlockStreaming=false
// means the reply buffer must hold everything until the final payload
// (the surface cannot render incremental messages well).
type Capabilities struct {
	ChatTypes      []bus.ChatType
	Media          bool
	Reactions      bool
	Threads        bool
	BlockStreaming bool
}

// DMPolicyInfo is the plugin's resolved DM policy for an account,
// including the channel-specific allowlist normalizer.
type DMPolicyInfo struct {
	Policy         string
	AllowFrom      []string
	ApproveHint    string
	NormalizeEntry func(string) string
}

// StatusDelta is a partial status update surfaced by a running account.
// Nil pointer fields are left unchanged.
type StatusDelta struct {
	AccountID      string
	Running        *bool
	LastInboundAt  *int64
	LastOutboundAt *int64
	LastError      string
	ClearError     bool
}

// Core is the runtime handle plugins call back into: the shared
// inbound pipeline. Passing it through the start context (rather than
// importing the pipeline packages) keeps each plugin replaceable in
// tests.
type Core interface {
	// HandleInbound runs one normalized envelope through the pipeline:
	// dedupe, policy gate, pairing, media fetch, debounce, routing,
	// session recording, agent dispatch, and reply delivery over the
	// given transport.
	HandleInbound(ctx context.Context, env *bus.Envelope, transport Transport)
	// AccountStopped releases the account's pipeline state (pending
	// debounce batches) after its task exits.
	AccountStopped(channel, accountID string)
}

// StartContext is everything a plugin needs to run one account. The
// context carries the abort signal: when it is cancelled the plugin
// must release all transport resources and return.
type StartContext struct {
	Context   context.Context
	Cfg       *config.Config
	Account   config.AccountConfig
	AccountID string
	Log       *slog.Logger
	SetStatus func(StatusDelta)
	Core      Core
}

// Plugin is the contract every channel transport implements.
type Plugin interface {
	ID() string
	Meta() Meta
	Capabilities() Capabilities

	// ListAccountIDs returns the configured account ids, default first.
	ListAccountIDs(cfg *config.Config) []string
	// ResolveAccount merges the channel base config with the account's
	// overrides.
	ResolveAccount(cfg *config.Config, accountID string) config.AccountConfig
	// DefaultAccountID names the account env credentials bind to.
	DefaultAccountID(cfg *config.Config) string
	// IsConfigured reports whether at least one account can start.
	IsConfigured(cfg *config.Config) bool

	// ResolveDMPolicy returns the effective DM policy for an account.
	ResolveDMPolicy(acct config.AccountConfig) DMPolicyInfo

	// NormalizeTarget canonicalizes a send destination (strip prefixes,
	// lower-case where the surface is case-insensitive).
	NormalizeTarget(raw string) string

	// StartAccount connects the transport, installs the inbound
	// handler, and blocks until the start context is cancelled or a
	// fatal transport error occurs.
	StartAccount(sc StartContext) error
}

// PeerInfo is one entry in a channel directory listing.
type PeerInfo struct {
	ID   string
	Name string
	Kind bus.ChatType
}

// Directory is an optional plugin surface for channels that can
// enumerate their own identity and reachable peers; control-plane
// listings use it when present.
type Directory interface {
	Self(ctx context.Context, accountID string) (PeerInfo, error)
	ListPeers(ctx context.Context, accountID string) ([]PeerInfo, error)
	ListGroups(ctx context.Context, accountID string) ([]PeerInfo, error)
}

// Transport is the send side of one running account, handed to the
// delivery backchannel alongside each inbound. Implementations are
// owned by the plugin.
type Transport interface {
	// SendText delivers one already-chunked message and waits for the
	// transport ack.
	SendText(ctx context.Context, to, text string) error
	// SendTyping starts the surface's typing indicator. Errors are
	// logged and swallowed by the caller.
	SendTyping(ctx context.Context, to string) error
	// SendMedia delivers media urls as one trailing message.
	SendMedia(ctx context.Context, to string, urls []string) error
	// TextLimit is the surface's message length limit.
	TextLimit() int
	// BlockStreaming reports whether partial blocks may be delivered
	// as they arrive.
	BlockStreaming() bool
}

// Package gateway wires the inbound pipeline: the core runtime handle
// that channel plugins call with normalized envelopes, and everything
// between that call and delivered replies — policy gate, pairing flow,
// media fetch, debouncing, route resolution, session recording, agent
// dispatch, and the delivery backchannel.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/dispatch"
	"github.com/nextlevelbuilder/clawgate/internal/media"
	"github.com/nextlevelbuilder/clawgate/internal/pairing"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// pairingReplyDebounce is how long repeat DMs from a sender who was
// just sent a pairing reply skip the pairing store entirely; the
// store's durable "created" result is what limits the reply to one.
const pairingReplyDebounce = 60 * time.Second

// Core is the shared inbound pipeline. One instance serves every
// channel plugin; per-account state (debouncers) is keyed internally.
type Core struct {
	cfg        *config.Config
	registry   *channels.Registry
	pairing    *pairing.Store
	sessions   *sessions.Store
	fetcher    *media.Fetcher
	dispatcher *dispatch.Dispatcher
	deliverer  *dispatch.Deliverer
	dedupe     *bus.DedupeCache
	inboundRL  *channels.InboundRateLimiter

	// onOutbound observes successful transport sends, keyed by channel
	// and account; the supervisor uses it for lastOutboundAt.
	onOutbound func(channel, accountID string)

	mu         sync.Mutex
	debouncers map[string]*accountDebouncer

	pairingReplyAt sync.Map // "channel/sender" → time.Time
}

// SetOutboundObserver installs the outbound status callback. Call
// before starting accounts.
func (c *Core) SetOutboundObserver(fn func(channel, accountID string)) {
	c.onOutbound = fn
}

type accountDebouncer struct {
	debouncer *bus.InboundDebouncer
	transport channels.Transport
	ctx       context.Context
}

// NewCore assembles the pipeline.
func NewCore(cfg *config.Config, registry *channels.Registry, pairingStore *pairing.Store, sessionStore *sessions.Store, fetcher *media.Fetcher, dispatcher *dispatch.Dispatcher) *Core {
	return &Core{
		cfg:        cfg,
		registry:   registry,
		pairing:    pairingStore,
		sessions:   sessionStore,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		deliverer:  dispatch.NewDeliverer(),
		dedupe:     bus.NewDedupeCache(20*time.Minute, 5000),
		inboundRL:  channels.NewInboundRateLimiter(),
		debouncers: make(map[string]*accountDebouncer),
	}
}

// HandleInbound implements channels.Core. Safe for concurrent callers.
func (c *Core) HandleInbound(ctx context.Context, env *bus.Envelope, transport channels.Transport) {
	if env.Timestamp == 0 {
		env.Timestamp = bus.NowMillis()
	}

	if c.dedupe.IsDuplicate(bus.DedupeKey(env)) {
		slog.Debug("inbound: duplicate dropped", "channel", env.Channel, "message_id", env.MessageID)
		return
	}
	if !c.inboundRL.Allow(env.Channel + "/" + env.Sender.ID) {
		slog.Warn("inbound: sender rate limited", "channel", env.Channel, "sender", env.Sender.ID)
		return
	}

	plugin, ok := c.registry.Get(env.Channel)
	if !ok {
		slog.Warn("inbound: unknown channel", "channel", env.Channel)
		return
	}
	acct := plugin.ResolveAccount(c.cfg, env.AccountID)
	policy := plugin.ResolveDMPolicy(acct)

	paired, err := c.pairing.AllowFrom(env.Channel)
	if err != nil {
		slog.Error("inbound: pairing allowlist read failed", "channel", env.Channel, "error", err)
	}

	snap := c.cfg.Snapshot()
	requireMention := env.ChatType == bus.ChatGroup
	if acct.RequireMention != nil {
		requireMention = *acct.RequireMention
	}
	decision := channels.EvaluateAccess(channels.AccessContext{
		SenderID:     env.Sender.ID,
		ChatType:     env.ChatType,
		Text:         env.Text,
		WasMentioned: env.ChatType == bus.ChatDirect || wasMentioned(env),
	}, channels.AccessConfig{
		Channel:        env.Channel,
		DMPolicy:       policy.Policy,
		GroupPolicy:    acct.GroupPolicy,
		AllowFrom:      channels.MergeAllowFrom(policy.AllowFrom, paired),
		GroupAllowFrom: acct.GroupAllowFrom,
		RequireMention: requireMention,
		Normalize:      policy.NormalizeEntry,
		Commands:       snap.Commands,
		OwnerIDs:       snap.Gateway.OwnerIDs,
	})

	if decision.RequiresPairing {
		c.handlePairing(ctx, env, plugin, transport)
		return
	}
	if !decision.Allowed {
		slog.Debug("inbound: dropped by policy",
			"channel", env.Channel,
			"sender", env.Sender.ID,
			"reason", decision.Reason,
		)
		return
	}
	env.CommandAuthorized = decision.CommandAuthorized

	if len(env.Attachments) > 0 && c.fetcher != nil {
		c.fetchMedia(ctx, env, acct)
	}

	c.debouncerFor(ctx, env, transport, acct).Enqueue(env)
}

// handlePairing runs the unknown-DM flow: upsert the request and send
// exactly one pairing reply per (channel, id) until approval.
func (c *Core) handlePairing(ctx context.Context, env *bus.Envelope, plugin channels.Plugin, transport channels.Transport) {
	guardKey := env.Channel + "/" + env.Sender.ID
	if at, ok := c.pairingReplyAt.Load(guardKey); ok && time.Since(at.(time.Time)) < pairingReplyDebounce {
		return
	}

	res, err := c.pairing.UpsertRequest(env.Channel, channels.NormalizeEntry(env.Sender.ID), map[string]string{
		"name": env.Sender.Name,
	})
	if err != nil {
		slog.Error("pairing: upsert failed", "channel", env.Channel, "sender", env.Sender.ID, "error", err)
		return
	}
	if !res.Created {
		return
	}
	c.pairingReplyAt.Store(guardKey, time.Now())

	hint := channels.PairingHint(plugin.Meta().Label, env.Sender.ID)
	reply := channels.BuildPairingReply(env.Channel, hint, res.Code)
	if err := transport.SendText(ctx, env.Sender.ID, reply); err != nil {
		slog.Error("pairing: reply send failed", "channel", env.Channel, "sender", env.Sender.ID, "error", err)
		return
	}
	slog.Info("pairing: request created", "channel", env.Channel, "sender", env.Sender.ID)
}

func (c *Core) fetchMedia(ctx context.Context, env *bus.Envelope, acct config.AccountConfig) {
	att := env.Attachments[0]
	if att.URL == "" {
		return
	}
	res, err := c.fetcher.Fetch(ctx, att.URL, acct.MediaMaxMB)
	if err != nil {
		slog.Warn("inbound: media fetch failed", "channel", env.Channel, "url", att.URL, "error", err)
		return
	}
	env.MediaPath = res.Path
	env.MediaType = res.MIME
	if env.MediaType == "" {
		env.MediaType = att.MIME
	}
}

// debouncerFor returns the account's debouncer, creating it on first
// use with the account's effective debounce interval.
func (c *Core) debouncerFor(ctx context.Context, env *bus.Envelope, transport channels.Transport, acct config.AccountConfig) *bus.InboundDebouncer {
	key := env.Channel + "/" + env.AccountID

	c.mu.Lock()
	defer c.mu.Unlock()
	if ad, ok := c.debouncers[key]; ok {
		return ad.debouncer
	}

	snap := c.cfg.Snapshot()
	debounceMs := snap.Gateway.InboundDebounceMs
	if acct.DebounceMs != nil {
		debounceMs = *acct.DebounceMs
	}

	ad := &accountDebouncer{transport: transport, ctx: ctx}
	ad.debouncer = bus.NewInboundDebouncer(time.Duration(debounceMs)*time.Millisecond, func(merged *bus.Envelope) {
		c.process(ad.ctx, merged, ad.transport)
	})
	c.debouncers[key] = ad
	return ad.debouncer
}

// AccountStopped implements channels.Core: pending debounce batches
// are dropped (or dispatched best-effort when configured) and the
// account's debouncer discarded.
func (c *Core) AccountStopped(channel, accountID string) {
	key := channel + "/" + accountID
	c.mu.Lock()
	ad, ok := c.debouncers[key]
	delete(c.debouncers, key)
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.cfg.Snapshot().Gateway.StopFlush == "dispatch" {
		ad.debouncer.FlushAll()
	}
	ad.debouncer.Stop()
}

// process is the post-debounce path: route, record, dispatch, deliver.
func (c *Core) process(ctx context.Context, env *bus.Envelope, transport channels.Transport) {
	peer := env.ConversationPeer()
	route := routing.Resolve(c.cfg, env.Channel, env.AccountID, peer)

	label := env.GroupName
	if label == "" {
		label = env.Sender.Name
	}

	if err := sessions.RecordInbound(c.sessions, sessions.InboundRecord{
		SessionKey: route.SessionKey,
		AgentID:    route.AgentID,
		ChatType:   string(env.ChatType),
		Label:      label,
		NowMillis:  env.Timestamp,
	}); err != nil {
		// Conflict exhaustion drops only the session update; the
		// message still reaches the agent.
		slog.Warn("inbound: session record failed", "session", route.SessionKey, "error", err)
	}

	dctx := bus.DeliveryContext{
		From:               env.Sender.ID,
		To:                 peer.ID,
		SessionKey:         route.SessionKey,
		MainSessionKey:     route.MainSessionKey,
		AgentID:            route.AgentID,
		AccountID:          env.AccountID,
		ChatType:           env.ChatType,
		ConversationLabel:  label,
		SenderName:         env.Sender.Name,
		SenderID:           env.Sender.ID,
		CommandAuthorized:  env.CommandAuthorized,
		Surface:            env.Channel,
		MessageSid:         env.MessageID,
		MediaPath:          env.MediaPath,
		MediaType:          env.MediaType,
		OriginatingChannel: env.Channel,
		OriginatingTo:      peer.ID,
	}

	message := c.stampTimezone(env.Text)
	idemKey := env.MessageID
	if idemKey == "" {
		idemKey = uuid.NewString()
	}

	payloads, err := c.dispatcher.Dispatch(ctx, dispatch.CommandRequest{
		Message:        message,
		AgentID:        route.AgentID,
		SessionKey:     route.SessionKey,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", env.Channel, env.AccountID, idemKey),
		Label:          label,
		Delivery:       dctx,
	}, transport.BlockStreaming())
	if err != nil {
		if err == dispatch.ErrDuplicate {
			slog.Debug("inbound: duplicate dispatch suppressed", "session", route.SessionKey)
			return
		}
		slog.Error("inbound: dispatch failed", "session", route.SessionKey, "error", err)
		return
	}

	plugin, _ := c.registry.Get(env.Channel)
	acct := plugin.ResolveAccount(c.cfg, env.AccountID)
	c.deliverer.Deliver(ctx, transport, peer.ID, payloads, dispatch.DeliverOptions{
		TableMode: acct.TableMode,
		Limit:     acct.TextChunkLimit,
		OnSent: func() {
			if c.onOutbound != nil {
				c.onOutbound(env.Channel, env.AccountID)
			}
		},
	})
}

// stampTimezone prefixes the message with the local time when
// agents.defaults.userTimezone is configured.
func (c *Core) stampTimezone(message string) string {
	tz := c.cfg.Snapshot().Agents.Defaults.UserTimezone
	if tz == "" {
		return message
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("invalid userTimezone", "tz", tz, "error", err)
		return message
	}
	stamp := time.Now().In(loc).Format("Mon 2006-01-02 15:04 MST")
	return fmt.Sprintf("[%s] %s", stamp, message)
}

// wasMentioned reports whether a group envelope passed its mention
// gate. Plugins strip the bot mention from Text and record the fact in
// Raw metadata where supported; envelopes without that signal pass
// (the plugin gated upstream).
func wasMentioned(env *bus.Envelope) bool {
	if m, ok := env.Raw.(map[string]string); ok {
		return m["mentioned"] != "false"
	}
	return true
}

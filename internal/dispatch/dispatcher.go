package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// idempotencyWindow bounds how long a request id is remembered for
// retry deduplication.
const idempotencyWindow = 10 * time.Minute

// ErrDuplicate marks a request whose idempotency key was already
// dispatched within the window.
var ErrDuplicate = errors.New("duplicate dispatch")

// userErrorMessage is the short human text attached to an error final.
const userErrorMessage = "Something went wrong handling that message. Please try again."

// Dispatcher invokes the agent runner and turns its event stream into
// a reply stream: block-buffered partials plus exactly one final.
type Dispatcher struct {
	runner   Runner
	sessions *sessions.Store
	seen     *expirable.LRU[string, struct{}]
}

// NewDispatcher wraps an agent runner.
func NewDispatcher(runner Runner, sessionStore *sessions.Store) *Dispatcher {
	return &Dispatcher{
		runner:   runner,
		sessions: sessionStore,
		seen:     expirable.NewLRU[string, struct{}](4096, nil, idempotencyWindow),
	}
}

// Dispatch runs the agent for one inbound message and streams reply
// payloads. blockStreaming=false holds everything until the final.
// The caller must supply a non-empty idempotency key; a repeated key
// within the window fails with ErrDuplicate and no agent call.
//
// The returned channel always terminates with exactly one final
// payload, error or not.
func (d *Dispatcher) Dispatch(ctx context.Context, req CommandRequest, blockStreaming bool) (<-chan bus.ReplyPayload, error) {
	if req.IdempotencyKey != "" {
		if _, dup := d.seen.Get(req.IdempotencyKey); dup {
			return nil, ErrDuplicate
		}
		d.seen.Add(req.IdempotencyKey, struct{}{})
	}

	events, err := d.runner.Command(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan bus.ReplyPayload, 8)
	go d.consume(ctx, req, events, out, blockStreaming)
	return out, nil
}

func (d *Dispatcher) consume(ctx context.Context, req CommandRequest, events <-chan AgentEvent, out chan<- bus.ReplyPayload, blockStreaming bool) {
	defer close(out)

	var buffer BlockBuffer
	var held []string // completed blocks withheld when blockStreaming is off
	var pendingMedia []string
	var usage *Usage
	started := time.Now()

	collect := func() string {
		parts := held
		held = nil
		if residual := buffer.Flush(); residual != "" {
			parts = append(parts, residual)
		}
		return strings.Join(parts, "\n\n")
	}

	fail := func(streamErr error) {
		slog.Error("dispatch: agent stream failed",
			"session", req.SessionKey,
			"agent", req.AgentID,
			"error", streamErr,
		)
		text := collect()
		if text != "" {
			text += "\n\n"
		}
		out <- bus.ReplyPayload{
			Text:      text + userErrorMessage,
			MediaURLs: pendingMedia,
			Marker:    bus.MarkerFinal,
			Error:     true,
		}
		if d.sessions != nil {
			sessions.MarkAborted(d.sessions, req.AgentID, req.SessionKey, bus.NowMillis())
		}
	}

	for {
		select {
		case <-ctx.Done():
			fail(ctx.Err())
			return
		case ev, ok := <-events:
			if !ok {
				final := bus.ReplyPayload{
					Text:      collect(),
					MediaURLs: pendingMedia,
					Marker:    bus.MarkerFinal,
				}
				out <- final
				if d.sessions != nil && usage != nil {
					sessions.AccumulateUsage(d.sessions, req.AgentID, req.SessionKey, usage.InputTokens, usage.OutputTokens, bus.NowMillis())
				}
				slog.Debug("dispatch: run complete",
					"session", req.SessionKey,
					"duration_ms", time.Since(started).Milliseconds(),
				)
				return
			}
			if ev.Err != nil {
				fail(ev.Err)
				return
			}
			if ev.Usage != nil {
				usage = ev.Usage
			}
			if len(ev.MediaURLs) > 0 {
				pendingMedia = append(pendingMedia, ev.MediaURLs...)
			}
			if ev.TextDelta == "" {
				continue
			}
			blocks := buffer.Append(ev.TextDelta)
			if !blockStreaming {
				held = append(held, blocks...)
				continue
			}
			for _, block := range blocks {
				payload := bus.ReplyPayload{Text: block, Marker: bus.MarkerPartial}
				// Media urls ride with the block they appeared in.
				if len(pendingMedia) > 0 {
					payload.MediaURLs = pendingMedia
					pendingMedia = nil
				}
				out <- payload
			}
		}
	}
}

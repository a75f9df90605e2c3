package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/markdown"
)

const (
	// sendTimeout bounds one transport send.
	sendTimeout = 15 * time.Second

	// retryBackoff is the delay before the single retry of a failed
	// chunk send; it is waited once, keeping the retry well under 2s.
	retryBackoff = 800 * time.Millisecond

	// typingRefresh keeps the indicator alive on surfaces that expire
	// it server-side.
	typingRefresh = 4 * time.Second
)

// StyledTransport is implemented by transports with native style-range
// support (Signal). The deliverer prefers it over plain text sends.
type StyledTransport interface {
	SendStyled(ctx context.Context, to string, msg markdown.StyledText) error
}

// DeliverOptions shapes formatting for one conversation.
type DeliverOptions struct {
	TableMode string
	Limit     int // overrides the transport's TextLimit when > 0

	// OnError observes chunk delivery failures after the retry.
	OnError func(error)

	// OnSent observes each successful transport send.
	OnSent func()
}

// Deliverer sends reply streams over a transport in order, one
// conversation at a time, pacing sends to stay under surface rate
// limits.
type Deliverer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter // conversation key → pacer
}

// NewDeliverer creates a deliverer with a modest per-conversation send
// rate.
func NewDeliverer() *Deliverer {
	return &Deliverer{limiters: make(map[string]*rate.Limiter)}
}

func (d *Deliverer) limiterFor(to string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[to]
	if !ok {
		l = rate.NewLimiter(rate.Every(300*time.Millisecond), 3)
		d.limiters[to] = l
	}
	return l
}

// Deliver consumes the reply stream and sends every payload over the
// transport: typing indicator first, chunks sequentially (each waits
// for the transport ack), media urls as one trailing message. A chunk
// failure is retried once with backoff; if the retry also fails the
// remaining chunks of that payload are abandoned and OnError fires.
func (d *Deliverer) Deliver(ctx context.Context, transport channels.Transport, to string, payloads <-chan bus.ReplyPayload, opts DeliverOptions) {
	limit := transport.TextLimit()
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	// Typing stays alive across the whole agent run; surfaces expire it
	// server-side, so it refreshes until delivery completes. No explicit
	// stop indicator is sent.
	typing := channels.StartTyping(ctx, typingRefresh, func(tctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(tctx, sendTimeout)
		defer cancel()
		if err := transport.SendTyping(sendCtx, to); err != nil {
			slog.Debug("delivery: typing indicator failed", "to", to, "error", err)
			return err
		}
		return nil
	})
	defer typing.Stop()

	for payload := range payloads {
		if IsSilentReply(payload.Text) {
			payload.Text = ""
		}
		if payload.Text != "" {
			rendered := markdown.Render(payload.Text, markdown.Options{
				TableMode: opts.TableMode,
				Limit:     limit,
			})
			for _, chunk := range markdown.Chunk(rendered, limit) {
				if err := d.sendChunk(ctx, transport, to, chunk); err != nil {
					slog.Error("delivery: chunk send failed", "to", to, "error", err)
					if opts.OnError != nil {
						opts.OnError(err)
					}
					// Remaining chunks of this payload are dropped;
					// later payloads still get their chance.
					break
				}
				if opts.OnSent != nil {
					opts.OnSent()
				}
			}
		}
		if len(payload.MediaURLs) > 0 {
			mediaCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := transport.SendMedia(mediaCtx, to, payload.MediaURLs); err != nil {
				slog.Error("delivery: media send failed", "to", to, "error", err)
				if opts.OnError != nil {
					opts.OnError(err)
				}
			} else if opts.OnSent != nil {
				opts.OnSent()
			}
			cancel()
		}
	}
}

// sendChunk sends one chunk with pacing and a single retry.
func (d *Deliverer) sendChunk(ctx context.Context, transport channels.Transport, to, chunk string) error {
	if err := d.limiterFor(to).Wait(ctx); err != nil {
		return err
	}

	err := d.sendOnce(ctx, transport, to, chunk)
	if err == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return err
	case <-time.After(retryBackoff):
	}
	return d.sendOnce(ctx, transport, to, chunk)
}

// IsSilentReply reports whether agent output means "send nothing":
// empty text or the reserved NO_REPLY token.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == "" || strings.EqualFold(trimmed, "NO_REPLY")
}

func (d *Deliverer) sendOnce(ctx context.Context, transport channels.Transport, to, chunk string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if styled, ok := transport.(StyledTransport); ok {
		return styled.SendStyled(sendCtx, to, markdown.ToStyled(chunk))
	}
	return transport.SendText(sendCtx, to, chunk)
}

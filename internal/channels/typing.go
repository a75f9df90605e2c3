package channels

import (
	"context"
	"sync"
	"time"
)

// TypingController keeps a surface's typing indicator alive by
// re-sending the action on an interval until stopped. Surfaces expire
// typing state server-side (Telegram ~5s, Discord ~10s), so one-shot
// sends go stale during long agent runs.
type TypingController struct {
	cancel context.CancelFunc
	once   sync.Once
}

// StartTyping begins periodic typing refreshes. send is invoked once
// before StartTyping returns and then every interval until Stop or ctx
// cancellation; send errors end the refresh loop silently.
func StartTyping(ctx context.Context, interval time.Duration, send func(context.Context) error) *TypingController {
	loopCtx, cancel := context.WithCancel(ctx)
	ctrl := &TypingController{cancel: cancel}

	if err := send(loopCtx); err != nil {
		return ctrl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := send(loopCtx); err != nil {
					return
				}
			}
		}
	}()
	return ctrl
}

// Stop ends the refresh loop. Safe to call more than once.
func (c *TypingController) Stop() {
	c.once.Do(c.cancel)
}

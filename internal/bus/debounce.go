package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// debounceKey identifies one coalescing queue: a conversation as seen
// from one sender. Groups share a conversation but not a queue, so two
// people typing at once are never merged into one message.
type debounceKey struct {
	channel      string
	accountID    string
	conversation string
	sender       string
}

func keyFor(env *Envelope) debounceKey {
	conversation := env.Sender.ID
	if env.ChatType == ChatGroup {
		conversation = env.GroupID
	}
	return debounceKey{
		channel:      env.Channel,
		accountID:    env.AccountID,
		conversation: conversation,
		sender:       env.Sender.ID,
	}
}

type debounceEntry struct {
	envelopes []*Envelope
	timer     *time.Timer
	flushing  bool
	pending   bool // an enqueue arrived while a flush was running
}

// InboundDebouncer coalesces rapid consecutive messages from the same
// conversation+sender into a single dispatch, preserving arrival order.
//
// Enqueue is safe under concurrent callers. For any key, flushes never
// overlap: a flush that finds the previous one still running re-arms
// instead of running concurrently.
type InboundDebouncer struct {
	mu      sync.Mutex
	entries map[debounceKey]*debounceEntry
	wait    time.Duration
	flush   func(*Envelope)
	stopped bool
}

// NewInboundDebouncer creates a debouncer that holds messages for wait
// before flushing. A non-positive wait disables coalescing: every
// envelope is dispatched immediately.
func NewInboundDebouncer(wait time.Duration, flush func(*Envelope)) *InboundDebouncer {
	return &InboundDebouncer{
		entries: make(map[debounceKey]*debounceEntry),
		wait:    wait,
		flush:   flush,
	}
}

// bypass reports whether an envelope must skip coalescing entirely:
// media, control commands, and empty text all dispatch immediately.
func (d *InboundDebouncer) bypass(env *Envelope) bool {
	if env.HasMedia() {
		return true
	}
	text := strings.TrimSpace(env.Text)
	if text == "" {
		return true
	}
	return IsControlCommand(text)
}

// Enqueue queues an envelope for its conversation key, starting or
// extending the flush timer. Bypass envelopes flush any queued batch
// first so ordering within the conversation is preserved, then
// dispatch directly.
func (d *InboundDebouncer) Enqueue(env *Envelope) {
	if d.wait <= 0 || d.bypass(env) {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			return
		}
		d.flushKeyNow(keyFor(env))
		d.flush(env)
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	key := keyFor(env)
	e, ok := d.entries[key]
	if !ok {
		e = &debounceEntry{}
		d.entries[key] = e
	}
	e.envelopes = append(e.envelopes, env)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d.wait, func() { d.fire(key) })
	d.mu.Unlock()
}

// flushKeyNow synchronously drains any queued batch for key.
func (d *InboundDebouncer) flushKeyNow(key debounceKey) {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok || len(e.envelopes) == 0 {
		d.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	batch := e.envelopes
	e.envelopes = nil
	d.mu.Unlock()

	d.dispatch(batch)
}

// fire runs when a key's timer expires. The timer is cleared and the
// batch taken under the lock before the handler runs, so a re-entrant
// Enqueue from inside the flush handler starts a fresh cycle instead
// of racing this one. Overlapping flushes for the same key are
// serialized via the flushing flag.
func (d *InboundDebouncer) fire(key debounceKey) {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok || len(e.envelopes) == 0 {
		d.mu.Unlock()
		return
	}
	if e.flushing {
		// Previous flush still running: try again shortly.
		e.pending = true
		d.mu.Unlock()
		return
	}
	e.flushing = true
	e.timer = nil
	batch := e.envelopes
	e.envelopes = nil
	d.mu.Unlock()

	d.dispatch(batch)

	d.mu.Lock()
	e.flushing = false
	rearm := e.pending && len(e.envelopes) > 0
	e.pending = false
	if len(e.envelopes) == 0 && e.timer == nil {
		delete(d.entries, key)
	}
	d.mu.Unlock()

	if rearm {
		d.fire(key)
	}
}

// dispatch merges a batch into one envelope and hands it to the flush
// handler. Flush errors never block future enqueues; the handler owns
// its own recovery.
func (d *InboundDebouncer) dispatch(batch []*Envelope) {
	if len(batch) == 0 {
		return
	}
	merged := batch[len(batch)-1]
	if len(batch) > 1 {
		texts := make([]string, 0, len(batch))
		for _, env := range batch {
			texts = append(texts, env.Text)
		}
		// Last entry wins for everything but the text: mediaPath,
		// messageId, timestamp, commandAuthorized all come from the
		// newest envelope.
		clone := *merged
		clone.Text = strings.Join(texts, "\n")
		merged = &clone
		slog.Debug("debounce: merged burst",
			"channel", merged.Channel,
			"sender", merged.Sender.ID,
			"count", len(batch),
		)
	}
	d.flush(merged)
}

// Stop drops all pending batches and rejects further enqueues.
// Pending timers are cancelled; queued envelopes are discarded.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, e := range d.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(d.entries, key)
	}
}

// FlushAll synchronously dispatches every pending batch. Used on
// account stop when best-effort dispatch is configured instead of the
// default drop.
func (d *InboundDebouncer) FlushAll() {
	d.mu.Lock()
	keys := make([]debounceKey, 0, len(d.entries))
	for key := range d.entries {
		keys = append(keys, key)
	}
	d.mu.Unlock()
	for _, key := range keys {
		d.flushKeyNow(key)
	}
}

// IsControlCommand reports whether text starts with a reserved gateway
// command token ("/stop", "/model ...", etc.). Only a leading slash
// followed by a letter counts; "/ path" or URLs do not.
func IsControlCommand(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '/' {
		return false
	}
	c := text[1]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

func scriptedRunner(events ...AgentEvent) Runner {
	return RunnerFunc(func(ctx context.Context, req CommandRequest) (<-chan AgentEvent, error) {
		ch := make(chan AgentEvent, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch, nil
	})
}

func collect(t *testing.T, payloads <-chan bus.ReplyPayload) []bus.ReplyPayload {
	t.Helper()
	var out []bus.ReplyPayload
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p, ok := <-payloads:
			if !ok {
				return out
			}
			out = append(out, p)
		case <-deadline:
			t.Fatal("timed out collecting payloads")
		}
	}
}

func newSessionStore(t *testing.T) *sessions.Store {
	t.Helper()
	s, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	return s
}

func baseRequest(key string) CommandRequest {
	return CommandRequest{
		Message:        "hi",
		AgentID:        "default",
		SessionKey:     "agent:default:mezon:direct:u1",
		IdempotencyKey: key,
	}
}

func TestDispatchExactlyOneFinal(t *testing.T) {
	d := NewDispatcher(scriptedRunner(
		AgentEvent{TextDelta: "part one\n\n"},
		AgentEvent{TextDelta: "part two"},
	), newSessionStore(t))

	payloads, err := d.Dispatch(context.Background(), baseRequest("k1"), true)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := collect(t, payloads)

	finals := 0
	for _, p := range got {
		if p.Marker == bus.MarkerFinal {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("expected exactly one final, got %d: %+v", finals, got)
	}
	if got[len(got)-1].Marker != bus.MarkerFinal {
		t.Error("final must be the last payload")
	}
}

func TestDispatchStreamsPartialsPerBlock(t *testing.T) {
	d := NewDispatcher(scriptedRunner(
		AgentEvent{TextDelta: "block one\n\nblock "},
		AgentEvent{TextDelta: "two\n\ntail"},
	), newSessionStore(t))

	payloads, _ := d.Dispatch(context.Background(), baseRequest("k1"), true)
	got := collect(t, payloads)

	if len(got) != 3 {
		t.Fatalf("expected 2 partials + final, got %+v", got)
	}
	if got[0].Text != "block one" || got[0].Marker != bus.MarkerPartial {
		t.Errorf("partial 1 = %+v", got[0])
	}
	if got[1].Text != "block two" || got[1].Marker != bus.MarkerPartial {
		t.Errorf("partial 2 = %+v", got[1])
	}
	if got[2].Text != "tail" || got[2].Marker != bus.MarkerFinal {
		t.Errorf("final = %+v", got[2])
	}
}

func TestDispatchHoldsWhenBlockStreamingOff(t *testing.T) {
	d := NewDispatcher(scriptedRunner(
		AgentEvent{TextDelta: "block one\n\n"},
		AgentEvent{TextDelta: "block two"},
	), newSessionStore(t))

	payloads, _ := d.Dispatch(context.Background(), baseRequest("k1"), false)
	got := collect(t, payloads)

	if len(got) != 1 {
		t.Fatalf("expected a single final, got %+v", got)
	}
	if got[0].Marker != bus.MarkerFinal || got[0].Text != "block one\n\nblock two" {
		t.Errorf("final = %+v", got[0])
	}
}

func TestDispatchStreamErrorEmitsErrorFinal(t *testing.T) {
	store := newSessionStore(t)
	d := NewDispatcher(scriptedRunner(
		AgentEvent{TextDelta: "partial text"},
		AgentEvent{Err: errors.New("provider exploded")},
	), store)

	req := baseRequest("k1")
	payloads, _ := d.Dispatch(context.Background(), req, true)
	got := collect(t, payloads)

	final := got[len(got)-1]
	if final.Marker != bus.MarkerFinal || !final.Error {
		t.Fatalf("expected error final, got %+v", final)
	}
	if final.Text == "" {
		t.Error("error final should carry buffered text plus message")
	}

	entries, _, _ := store.Read(req.AgentID, true)
	if e := entries[req.SessionKey]; e == nil || !e.AbortedLastRun {
		t.Errorf("abortedLastRun not recorded: %+v", e)
	}
}

func TestDispatchDuplicateIdempotencyKey(t *testing.T) {
	d := NewDispatcher(scriptedRunner(AgentEvent{TextDelta: "once"}), newSessionStore(t))

	payloads, err := d.Dispatch(context.Background(), baseRequest("same-key"), true)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	collect(t, payloads)

	if _, err := d.Dispatch(context.Background(), baseRequest("same-key"), true); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestDispatchMediaRidesWithBlock(t *testing.T) {
	d := NewDispatcher(scriptedRunner(
		AgentEvent{MediaURLs: []string{"https://files.example.com/a.png"}},
		AgentEvent{TextDelta: "caption\n\n"},
		AgentEvent{TextDelta: "rest"},
	), newSessionStore(t))

	payloads, _ := d.Dispatch(context.Background(), baseRequest("k1"), true)
	got := collect(t, payloads)

	if len(got[0].MediaURLs) != 1 {
		t.Errorf("media should ride with the first emitted block: %+v", got)
	}
}

func TestDispatchAccumulatesUsage(t *testing.T) {
	store := newSessionStore(t)
	d := NewDispatcher(scriptedRunner(
		AgentEvent{TextDelta: "done"},
		AgentEvent{Usage: &Usage{InputTokens: 11, OutputTokens: 22}},
	), store)

	req := baseRequest("k1")
	payloads, _ := d.Dispatch(context.Background(), req, true)
	collect(t, payloads)

	// Usage is folded in after the final payload is emitted.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _, _ := store.Read(req.AgentID, true)
		if e := entries[req.SessionKey]; e != nil && e.InputTokens == 11 && e.OutputTokens == 22 {
			return
		}
		if time.Now().After(deadline) {
			entries, _, _ := store.Read(req.AgentID, true)
			t.Fatalf("usage not recorded: %+v", entries[req.SessionKey])
		}
		time.Sleep(10 * time.Millisecond)
	}
}

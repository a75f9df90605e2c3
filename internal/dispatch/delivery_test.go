package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []string
	media     [][]string
	typing    int
	limit     int
	failFirst int // fail this many SendText calls before succeeding
	failAll   bool
}

func (f *fakeTransport) SendText(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("transport down")
	}
	if f.failFirst > 0 {
		f.failFirst--
		return errors.New("transient send failure")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) SendTyping(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeTransport) SendMedia(_ context.Context, _ string, urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, urls)
	return nil
}

func (f *fakeTransport) TextLimit() int {
	if f.limit > 0 {
		return f.limit
	}
	return 4000
}

func (f *fakeTransport) BlockStreaming() bool { return true }

func (f *fakeTransport) snapshotSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func deliver(tr *fakeTransport, opts DeliverOptions, payloads ...bus.ReplyPayload) {
	ch := make(chan bus.ReplyPayload, len(payloads))
	for _, p := range payloads {
		ch <- p
	}
	close(ch)
	NewDeliverer().Deliver(context.Background(), tr, "conv-1", ch, opts)
}

func TestDeliverOrderedChunks(t *testing.T) {
	tr := &fakeTransport{}
	deliver(tr,
		DeliverOptions{},
		bus.ReplyPayload{Text: "first", Marker: bus.MarkerPartial},
		bus.ReplyPayload{Text: "second", Marker: bus.MarkerPartial},
		bus.ReplyPayload{Text: "third", Marker: bus.MarkerFinal},
	)

	want := []string{"first", "second", "third"}
	if len(tr.sent) != len(want) {
		t.Fatalf("sent %v, want %v", tr.sent, want)
	}
	for i := range want {
		if tr.sent[i] != want[i] {
			t.Errorf("order broken: sent %v", tr.sent)
			break
		}
	}
	if tr.typing == 0 {
		t.Error("typing indicator never started")
	}
}

func TestDeliverChunksWithinLimit(t *testing.T) {
	tr := &fakeTransport{limit: 60}
	long := strings.Repeat("many words in a row ", 12)
	deliver(tr, DeliverOptions{}, bus.ReplyPayload{Text: long, Marker: bus.MarkerFinal})

	if len(tr.sent) < 2 {
		t.Fatalf("expected chunked sends, got %d", len(tr.sent))
	}
	for i, chunk := range tr.sent {
		if len(chunk) > 60 {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(chunk))
		}
	}
}

func TestDeliverRetriesOnceThenSucceeds(t *testing.T) {
	tr := &fakeTransport{failFirst: 1}
	deliver(tr, DeliverOptions{}, bus.ReplyPayload{Text: "hello", Marker: bus.MarkerFinal})

	if len(tr.sent) != 1 || tr.sent[0] != "hello" {
		t.Errorf("retry did not deliver: %v", tr.sent)
	}
}

func TestDeliverSurfacesErrorAfterRetry(t *testing.T) {
	tr := &fakeTransport{failAll: true}
	var reported error
	deliver(tr, DeliverOptions{OnError: func(err error) { reported = err }},
		bus.ReplyPayload{Text: "doomed", Marker: bus.MarkerFinal},
	)

	if reported == nil {
		t.Error("OnError not invoked after failed retry")
	}
}

func TestDeliverMediaTrailing(t *testing.T) {
	tr := &fakeTransport{}
	deliver(tr, DeliverOptions{}, bus.ReplyPayload{
		Text:      "caption",
		MediaURLs: []string{"https://files.example.com/a.png", "https://files.example.com/b.png"},
		Marker:    bus.MarkerFinal,
	})

	if len(tr.sent) != 1 {
		t.Fatalf("text not sent: %v", tr.sent)
	}
	if len(tr.media) != 1 || len(tr.media[0]) != 2 {
		t.Fatalf("media not sent as one trailing message: %v", tr.media)
	}
}

func TestDeliverAppliesTableMode(t *testing.T) {
	tr := &fakeTransport{}
	table := "| a | b |\n| - | - |\n| 1 | 2 |"
	deliver(tr, DeliverOptions{TableMode: "drop"}, bus.ReplyPayload{Text: table, Marker: bus.MarkerFinal})

	for _, sent := range tr.sent {
		if strings.Contains(sent, "|") {
			t.Errorf("table should have been dropped: %q", sent)
		}
	}
}

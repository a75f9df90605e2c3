package gateway

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/dispatch"
	"github.com/nextlevelbuilder/clawgate/internal/pairing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// fakePlugin reuses the config-backed base; StartAccount is never used
// in these tests because envelopes are injected directly.
type fakePlugin struct {
	channels.BasePlugin
}

func (p *fakePlugin) StartAccount(channels.StartContext) error { return nil }

type fakeTransport struct {
	mu    sync.Mutex
	sent  []string
	dests []string
}

func (f *fakeTransport) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.dests = append(f.dests, to)
	return nil
}

func (f *fakeTransport) SendTyping(context.Context, string) error { return nil }

func (f *fakeTransport) SendMedia(_ context.Context, _ string, urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, strings.Join(urls, "\n"))
	return nil
}

func (f *fakeTransport) TextLimit() int       { return 4000 }
func (f *fakeTransport) BlockStreaming() bool { return false }

func (f *fakeTransport) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) waitForSends(t *testing.T, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := f.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sends, have %v", n, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type countingRunner struct {
	mu       sync.Mutex
	requests []dispatch.CommandRequest
}

func (r *countingRunner) Command(_ context.Context, req dispatch.CommandRequest) (<-chan dispatch.AgentEvent, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	ch := make(chan dispatch.AgentEvent, 1)
	ch <- dispatch.AgentEvent{TextDelta: "agent says hi"}
	close(ch)
	return ch, nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *countingRunner) request(i int) dispatch.CommandRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[i]
}

type testHarness struct {
	core     *Core
	cfg      *config.Config
	pairing  *pairing.Store
	sessions *sessions.Store
	runner   *countingRunner
}

func newHarness(t *testing.T, mutate func(*config.Config)) *testHarness {
	t.Helper()

	cfg := config.Default()
	cfg.Channels.Mezon = config.ChannelConfig{
		Enabled: true,
		AccountConfig: config.AccountConfig{
			Token:    "test-token",
			DMPolicy: channels.DMPolicyPairing,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	pairingStore, err := pairing.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("pairing store: %v", err)
	}
	sessionStore, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	runner := &countingRunner{}
	dispatcher := dispatch.NewDispatcher(runner, sessionStore)

	registry := channels.NewRegistry(&fakePlugin{
		BasePlugin: channels.BasePlugin{
			PluginID:        "mezon",
			PluginMeta:      channels.Meta{Label: "Mezon"},
			DefaultDMPolicy: channels.DMPolicyPairing,
		},
	})

	return &testHarness{
		core:     NewCore(cfg, registry, pairingStore, sessionStore, nil, dispatcher),
		cfg:      cfg,
		pairing:  pairingStore,
		sessions: sessionStore,
		runner:   runner,
	}
}

func dmEnvelope(sender, messageID, text string) *bus.Envelope {
	return &bus.Envelope{
		Channel:   "mezon",
		AccountID: "default",
		MessageID: messageID,
		Timestamp: bus.NowMillis(),
		Sender:    bus.Sender{ID: sender, Name: "Someone"},
		ChatType:  bus.ChatDirect,
		Text:      text,
	}
}

var pairingCodeRe = regexp.MustCompile(`Pairing code: ([A-Z2-9]+)`)

// First contact from an unknown DM sender yields one pairing reply and
// no agent call.
func TestUnknownDMTriggersPairingOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tr := &fakeTransport{}

	const sender = "1833682843671203840"
	h.core.HandleInbound(ctx, dmEnvelope(sender, "m1", "hello"), tr)

	sent := tr.waitForSends(t, 1, 2*time.Second)
	if len(sent) != 1 {
		t.Fatalf("expected one pairing reply, got %v", sent)
	}
	m := pairingCodeRe.FindStringSubmatch(sent[0])
	if m == nil {
		t.Fatalf("pairing code missing in reply: %q", sent[0])
	}
	want := channels.BuildPairingReply("mezon", "Your Mezon user id: "+sender, m[1])
	if sent[0] != want {
		t.Errorf("pairing reply mismatch:\n got %q\nwant %q", sent[0], want)
	}

	requests, _ := h.pairing.ListRequests("mezon")
	if len(requests) != 1 {
		t.Fatalf("expected one pairing request, got %v", requests)
	}
	if h.runner.count() != 0 {
		t.Errorf("agent must not run for unpaired sender, ran %d times", h.runner.count())
	}

	// A second pre-approval DM must not trigger another reply.
	h.core.HandleInbound(ctx, dmEnvelope(sender, "m2", "hello again"), tr)
	time.Sleep(100 * time.Millisecond)
	if got := tr.snapshot(); len(got) != 1 {
		t.Errorf("expected single pairing reply, got %v", got)
	}
}

// After approval the same sender reaches the agent and a session entry
// is created.
func TestApprovedSenderReachesAgent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tr := &fakeTransport{}

	const sender = "1833682843671203840"
	h.core.HandleInbound(ctx, dmEnvelope(sender, "m1", "hello"), tr)
	tr.waitForSends(t, 1, 2*time.Second)

	if err := h.pairing.Approve("mezon", sender); err != nil {
		t.Fatalf("approve: %v", err)
	}

	h.core.HandleInbound(ctx, dmEnvelope(sender, "m2", "hello again"), tr)
	sent := tr.waitForSends(t, 2, 2*time.Second)
	if !strings.Contains(sent[len(sent)-1], "agent says hi") {
		t.Errorf("agent reply not delivered: %v", sent)
	}
	if h.runner.count() != 1 {
		t.Fatalf("expected one agent run, got %d", h.runner.count())
	}

	req := h.runner.request(0)
	if req.SessionKey != "agent:default:mezon:direct:"+sender {
		t.Errorf("unexpected session key %q", req.SessionKey)
	}
	if req.Delivery.CommandAuthorized != nil {
		t.Errorf("plain text should leave commandAuthorized nil")
	}

	entries, _, _ := h.sessions.Read("default", true)
	if entries[req.SessionKey] == nil {
		t.Error("session entry not created")
	}
}

// Rapid messages from the same sender coalesce into one agent run.
func TestDebounceCoalescesIntoOneRun(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Gateway.InboundDebounceMs = 120
		cfg.Channels.Mezon.DMPolicy = channels.DMPolicyOpen
	})
	ctx := context.Background()
	tr := &fakeTransport{}

	h.core.HandleInbound(ctx, dmEnvelope("u1", "m1", "a"), tr)
	time.Sleep(30 * time.Millisecond)
	h.core.HandleInbound(ctx, dmEnvelope("u1", "m2", "b"), tr)
	time.Sleep(30 * time.Millisecond)
	h.core.HandleInbound(ctx, dmEnvelope("u1", "m3", "c"), tr)

	tr.waitForSends(t, 1, 3*time.Second)
	if h.runner.count() != 1 {
		t.Fatalf("expected one coalesced run, got %d", h.runner.count())
	}
	if got := h.runner.request(0).Message; got != "a\nb\nc" {
		t.Errorf("merged message = %q, want %q", got, "a\nb\nc")
	}
}

// Duplicate message ids (webhook retries) are dropped before dispatch.
func TestDuplicateInboundDropped(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Channels.Mezon.DMPolicy = channels.DMPolicyOpen
	})
	ctx := context.Background()
	tr := &fakeTransport{}

	h.core.HandleInbound(ctx, dmEnvelope("u1", "m1", "hello"), tr)
	h.core.HandleInbound(ctx, dmEnvelope("u1", "m1", "hello"), tr)

	tr.waitForSends(t, 1, 2*time.Second)
	time.Sleep(100 * time.Millisecond)
	if h.runner.count() != 1 {
		t.Errorf("duplicate reached the agent: %d runs", h.runner.count())
	}
}

// dmPolicy=disabled drops silently: no reply, no pairing, no agent.
func TestDisabledDMPolicyDropsSilently(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Channels.Mezon.DMPolicy = channels.DMPolicyDisabled
	})
	tr := &fakeTransport{}

	h.core.HandleInbound(context.Background(), dmEnvelope("u1", "m1", "hello"), tr)
	time.Sleep(100 * time.Millisecond)

	if got := tr.snapshot(); len(got) != 0 {
		t.Errorf("expected silence, got %v", got)
	}
	if h.runner.count() != 0 {
		t.Errorf("agent ran for disabled DMs")
	}
	requests, _ := h.pairing.ListRequests("mezon")
	if len(requests) != 0 {
		t.Errorf("pairing request created for disabled DMs: %v", requests)
	}
}

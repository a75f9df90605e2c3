package channels

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

type blockingPlugin struct {
	BasePlugin
	started atomic.Int32
	stopped atomic.Int32
	failErr error
}

func (p *blockingPlugin) StartAccount(sc StartContext) error {
	if p.failErr != nil {
		return p.failErr
	}
	p.started.Add(1)
	<-sc.Context.Done()
	p.stopped.Add(1)
	return nil
}

type noopCore struct{}

func (noopCore) HandleInbound(context.Context, *bus.Envelope, Transport) {}
func (noopCore) AccountStopped(string, string)                           {}

func testPlugin(fail error) *blockingPlugin {
	return &blockingPlugin{
		BasePlugin: BasePlugin{
			PluginID:   "mezon",
			PluginMeta: Meta{Label: "Mezon"},
		},
		failErr: fail,
	}
}

func enabledConfig() *config.Config {
	cfg := config.Default()
	cfg.Channels.Mezon = config.ChannelConfig{
		Enabled:       true,
		AccountConfig: config.AccountConfig{Token: "tok"},
	}
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSupervisorStartStop(t *testing.T) {
	plugin := testPlugin(nil)
	sup := NewSupervisor(NewRegistry(plugin), enabledConfig(), noopCore{})

	if err := sup.Start(context.Background(), "mezon", "default"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return plugin.started.Load() == 1 })

	st := sup.Status("mezon", "default")
	if !st.Running || st.LastStartAt == 0 {
		t.Errorf("unexpected status after start: %+v", st)
	}

	if err := sup.Stop("mezon", "default"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return plugin.stopped.Load() == 1 })
	waitFor(t, 2*time.Second, func() bool { return !sup.Status("mezon", "default").Running })

	st = sup.Status("mezon", "default")
	if st.LastStopAt == 0 {
		t.Errorf("lastStopAt not recorded: %+v", st)
	}
}

func TestSupervisorDoubleStartRejected(t *testing.T) {
	plugin := testPlugin(nil)
	sup := NewSupervisor(NewRegistry(plugin), enabledConfig(), noopCore{})

	if err := sup.Start(context.Background(), "mezon", "default"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return plugin.started.Load() == 1 })

	if err := sup.Start(context.Background(), "mezon", "default"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	sup.StopAll()
}

func TestSupervisorFatalErrorSurfacesInStatus(t *testing.T) {
	plugin := testPlugin(errors.New("invalid credentials"))
	sup := NewSupervisor(NewRegistry(plugin), enabledConfig(), noopCore{})

	if err := sup.Start(context.Background(), "mezon", "default"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(sup.Status("mezon", "default").LastError, "invalid credentials")
	})
	if sup.Status("mezon", "default").Running {
		t.Error("failed account still marked running")
	}
}

func TestSupervisorObserverSeesTransitions(t *testing.T) {
	plugin := testPlugin(nil)
	sup := NewSupervisor(NewRegistry(plugin), enabledConfig(), noopCore{})

	var transitions atomic.Int32
	sup.Observe(func(RuntimeStatus) { transitions.Add(1) })

	if err := sup.Start(context.Background(), "mezon", "default"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return transitions.Load() > 0 })
	sup.StopAll()
}

func TestSupervisorUnknownChannel(t *testing.T) {
	sup := NewSupervisor(NewRegistry(), config.Default(), noopCore{})
	if err := sup.Start(context.Background(), "nope", "default"); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestRegistryAliases(t *testing.T) {
	plugin := &blockingPlugin{BasePlugin: BasePlugin{
		PluginID:   "mezon",
		PluginMeta: Meta{Label: "Mezon", Aliases: []string{"mz"}},
	}}
	reg := NewRegistry(plugin)
	if _, ok := reg.Get("mezon"); !ok {
		t.Error("id lookup failed")
	}
	if _, ok := reg.Get("MZ"); !ok {
		t.Error("alias lookup failed")
	}
	if _, ok := reg.Get("unknown"); ok {
		t.Error("unknown id resolved")
	}
}

package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// stopTimeout bounds how long Stop waits for an account task to exit
// after the abort signal fires.
const stopTimeout = 10 * time.Second

// ErrAlreadyRunning is returned when starting an account that has a
// live task.
var ErrAlreadyRunning = errors.New("account already running")

// RuntimeStatus is the supervisor's view of one (channel, account).
type RuntimeStatus struct {
	Channel        string `json:"channel"`
	AccountID      string `json:"accountId"`
	Running        bool   `json:"running"`
	LastStartAt    int64  `json:"lastStartAt,omitempty"`
	LastStopAt     int64  `json:"lastStopAt,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	LastInboundAt  int64  `json:"lastInboundAt,omitempty"`
	LastOutboundAt int64  `json:"lastOutboundAt,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// StatusObserver receives status transitions.
type StatusObserver func(RuntimeStatus)

type accountTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor starts and stops channel accounts, each in its own
// cancellable task, and tracks their runtime status.
type Supervisor struct {
	registry *Registry
	cfg      *config.Config
	core     Core

	mu        sync.Mutex
	tasks     map[string]*accountTask   // "channel/account" → task
	statuses  map[string]*RuntimeStatus // "channel/account" → status
	observers []StatusObserver
}

// NewSupervisor creates a supervisor over the registry's plugins.
func NewSupervisor(registry *Registry, cfg *config.Config, core Core) *Supervisor {
	return &Supervisor{
		registry: registry,
		cfg:      cfg,
		core:     core,
		tasks:    make(map[string]*accountTask),
		statuses: make(map[string]*RuntimeStatus),
	}
}

// Observe registers a status observer. Observers run synchronously on
// the updating goroutine and must not block.
func (s *Supervisor) Observe(fn StatusObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func taskKey(channel, accountID string) string {
	return channel + "/" + accountID
}

// StartAll starts every enabled account of every registered plugin.
func (s *Supervisor) StartAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, plugin := range s.registry.List() {
		if !plugin.IsConfigured(s.cfg) {
			slog.Debug("supervisor: channel not configured", "channel", plugin.ID())
			continue
		}
		for _, accountID := range plugin.ListAccountIDs(s.cfg) {
			cc := s.cfg.Channels.Channel(plugin.ID())
			if cc == nil || !cc.AccountEnabled(accountID) {
				continue
			}
			p, id := plugin, accountID
			g.Go(func() error {
				if err := s.Start(ctx, p.ID(), id); err != nil && !errors.Is(err, ErrAlreadyRunning) {
					slog.Error("supervisor: account start failed", "channel", p.ID(), "account", id, "error", err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// Start spawns the account task. It returns once the task is launched;
// transport failures surface through the account's status.
func (s *Supervisor) Start(ctx context.Context, channel, accountID string) error {
	plugin, ok := s.registry.Get(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}

	key := taskKey(channel, accountID)
	s.mu.Lock()
	if _, exists := s.tasks[key]; exists {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	taskCtx, cancel := context.WithCancel(ctx)
	task := &accountTask{cancel: cancel, done: make(chan struct{})}
	s.tasks[key] = task
	s.mu.Unlock()

	s.applyDelta(channel, StatusDelta{AccountID: accountID, Running: boolPtr(true), ClearError: true})
	s.withStatus(channel, accountID, func(st *RuntimeStatus) {
		st.LastStartAt = bus.NowMillis()
		st.Mode = "gateway"
	})

	account := plugin.ResolveAccount(s.cfg, accountID)
	log := slog.Default().With("channel", channel, "account", accountID)

	go func() {
		defer close(task.done)
		defer func() {
			s.mu.Lock()
			delete(s.tasks, key)
			s.mu.Unlock()
			s.applyDelta(channel, StatusDelta{AccountID: accountID, Running: boolPtr(false)})
			s.withStatus(channel, accountID, func(st *RuntimeStatus) {
				st.LastStopAt = bus.NowMillis()
			})
			// Pending debounce state is released before the task is
			// considered gone.
			if s.core != nil {
				s.core.AccountStopped(channel, accountID)
			}
		}()

		log.Info("account starting")
		err := plugin.StartAccount(StartContext{
			Context:   taskCtx,
			Cfg:       s.cfg,
			Account:   account,
			AccountID: accountID,
			Log:       log,
			SetStatus: func(delta StatusDelta) {
				if delta.AccountID == "" {
					delta.AccountID = accountID
				}
				s.applyDelta(channel, delta)
			},
			Core: s.core,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("account exited", "error", err)
			s.applyDelta(channel, StatusDelta{AccountID: accountID, LastError: err.Error()})
			return
		}
		log.Info("account stopped")
	}()

	return nil
}

// Stop triggers the account's abort signal and waits for the task to
// exit, bounded by stopTimeout.
func (s *Supervisor) Stop(channel, accountID string) error {
	key := taskKey(channel, accountID)
	s.mu.Lock()
	task, ok := s.tasks[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	task.cancel()
	select {
	case <-task.done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("stop %s: task did not exit within %s", key, stopTimeout)
	}
}

// StopAll stops every running account.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.tasks))
	for key := range s.tasks {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		channel, accountID, _ := splitTaskKey(key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(channel, accountID); err != nil {
				slog.Warn("supervisor: stop failed", "channel", channel, "account", accountID, "error", err)
			}
		}()
	}
	wg.Wait()
}

// NoteOutbound records a successful outbound send for the account.
func (s *Supervisor) NoteOutbound(channel, accountID string) {
	now := bus.NowMillis()
	s.applyDelta(channel, StatusDelta{AccountID: accountID, LastOutboundAt: &now})
}

// Status returns a snapshot for one account.
func (s *Supervisor) Status(channel, accountID string) RuntimeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[taskKey(channel, accountID)]; ok {
		return *st
	}
	return RuntimeStatus{Channel: channel, AccountID: accountID}
}

// Statuses returns a snapshot of all known accounts.
func (s *Supervisor) Statuses() []RuntimeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RuntimeStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	return out
}

func (s *Supervisor) applyDelta(channel string, delta StatusDelta) {
	s.withStatus(channel, delta.AccountID, func(st *RuntimeStatus) {
		if delta.Running != nil {
			st.Running = *delta.Running
		}
		if delta.LastInboundAt != nil {
			st.LastInboundAt = *delta.LastInboundAt
		}
		if delta.LastOutboundAt != nil {
			st.LastOutboundAt = *delta.LastOutboundAt
		}
		if delta.LastError != "" {
			st.LastError = delta.LastError
		}
		if delta.ClearError {
			st.LastError = ""
		}
	})
}

func (s *Supervisor) withStatus(channel, accountID string, mutate func(*RuntimeStatus)) {
	key := taskKey(channel, accountID)
	s.mu.Lock()
	st, ok := s.statuses[key]
	if !ok {
		st = &RuntimeStatus{Channel: channel, AccountID: accountID}
		s.statuses[key] = st
	}
	mutate(st)
	snapshot := *st
	observers := s.observers
	s.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

func splitTaskKey(key string) (channel, accountID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}

func boolPtr(v bool) *bool { return &v }

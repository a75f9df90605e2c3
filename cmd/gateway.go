package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/discord"
	"github.com/nextlevelbuilder/clawgate/internal/channels/mezon"
	"github.com/nextlevelbuilder/clawgate/internal/channels/signal"
	"github.com/nextlevelbuilder/clawgate/internal/channels/slack"
	"github.com/nextlevelbuilder/clawgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/dispatch"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/media"
	"github.com/nextlevelbuilder/clawgate/internal/pairing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway process",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(protocol.ExitFatalConfig)
	}

	snap := cfg.Snapshot()

	sessionStore, err := sessions.NewStore(config.ExpandHome(snap.Session.Store))
	if err != nil {
		slog.Error("session store init failed", "error", err)
		os.Exit(protocol.ExitFatalConfig)
	}
	pairingStore, err := pairing.NewStore(config.ExpandHome(snap.Pairing.Store))
	if err != nil {
		slog.Error("pairing store init failed", "error", err)
		os.Exit(protocol.ExitFatalConfig)
	}
	fetcher, err := media.NewFetcher(filepath.Join(os.TempDir(), "clawgate-media"))
	if err != nil {
		slog.Error("media dir init failed", "error", err)
		os.Exit(protocol.ExitFatalConfig)
	}

	if snap.Agents.Defaults.Endpoint == "" {
		slog.Error("no agent endpoint configured (agents.defaults.endpoint)")
		os.Exit(protocol.ExitFatalConfig)
	}
	runner := dispatch.NewHTTPRunner(snap.Agents.Defaults.Endpoint)
	dispatcher := dispatch.NewDispatcher(runner, sessionStore)

	registry := channels.NewRegistry(
		mezon.New(),
		signal.New(),
		telegram.New(),
		discord.New(),
		slack.New(),
	)
	core := gateway.NewCore(cfg, registry, pairingStore, sessionStore, fetcher, dispatcher)
	supervisor := channels.NewSupervisor(registry, cfg, core)
	core.SetOutboundObserver(supervisor.NoteOutbound)

	supervisor.Observe(func(st channels.RuntimeStatus) {
		slog.Debug("channel status",
			"channel", st.Channel,
			"account", st.AccountID,
			"running", st.Running,
			"last_error", st.LastError,
		)
	})

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := supervisor.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
		os.Exit(protocol.ExitFatalTransport)
	}

	running := 0
	for _, st := range supervisor.Statuses() {
		if st.Running {
			running++
		}
	}
	slog.Info("gateway running", "accounts", running)

	<-ctx.Done()
	slog.Info("shutting down")
	supervisor.StopAll()
}

func openPairingStore() (*pairing.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return pairing.NewStore(config.ExpandHome(cfg.Snapshot().Pairing.Store))
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/continuation"
	"github.com/ppiankov/vaultbot/internal/journal"
	"github.com/ppiankov/vaultbot/internal/lockreg"
	"github.com/ppiankov/vaultbot/internal/notify"
	"github.com/ppiankov/vaultbot/internal/queue"
	"github.com/ppiankov/vaultbot/internal/registry"
	"github.com/ppiankov/vaultbot/internal/sched"
	"github.com/ppiankov/vaultbot/internal/session"
	"github.com/ppiankov/vaultbot/internal/state"
	"github.com/ppiankov/vaultbot/internal/supervisor"
	"github.com/ppiankov/vaultbot/internal/tokenstate"
	"github.com/ppiankov/vaultbot/internal/watcher"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watcher and scheduler daemon",
	Long: "Starts the full daemon: the vault watcher feeding the event queue and\n" +
		"the scheduler dispatching invocations. Blocks until SIGINT or SIGTERM.",
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagEnvFile, flagBackends)
	if err != nil {
		return err
	}

	dirs := cfg.Dirs()
	if err := state.EnsureDirs(dirs); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}

	q := queue.New(dirs.QueueFile(), dirs.QueueLock())
	locks := lockreg.New(dirs.Locks())
	tokens := tokenstate.New(dirs.TokenStateFile())
	sessions := session.New(dirs.Sessions())
	conts := continuation.New(dirs.Continuations())

	jnl, err := journal.Open(dirs.JournalFile())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = jnl.Close() }()

	notifier := buildNotifier(cfg)
	reg := registry.New(cfg.Backends, locks, tokens, dirs.Complexity(), cfg.DefaultComplexity)

	w := watcher.New(cfg.VaultDir, q, cfg.SettleDelay, cfg.PollInterval, cfg.StabilityTimeout)
	s := sched.New(cfg, q, reg, locks, tokens, sessions, conts, jnl, notifier)

	sup := supervisor.New(supervisor.Config{
		MaxRestarts:     cfg.MaxRestarts,
		RestartWindow:   cfg.RestartWindow,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MonitorInterval: cfg.MonitorInterval,
	}, notifier, locks,
		supervisor.Component{Name: "watcher", Run: w.Run},
		supervisor.Component{Name: "scheduler", Run: s.Run},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "vaultbot: received %s, shutting down\n", sig)
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "vaultbot: watching %s (state %s)\n", cfg.VaultDir, cfg.StateDir)
	if cfg.DryRun {
		fmt.Fprintln(os.Stderr, "vaultbot: DRY_RUN set, no backends will be spawned")
	}
	return sup.Run(ctx)
}

// buildNotifier picks the webhook when configured, stderr otherwise.
func buildNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Webhook.URL != "" {
		return &notify.Webhook{URL: cfg.Webhook.URL, Headers: cfg.Webhook.Headers}
	}
	return notify.Stderr{}
}

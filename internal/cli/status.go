package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/continuation"
	"github.com/ppiankov/vaultbot/internal/journal"
	"github.com/ppiankov/vaultbot/internal/lockreg"
	"github.com/ppiankov/vaultbot/internal/tokenstate"
	"github.com/ppiankov/vaultbot/internal/turn"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task, backend, and usage state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagEnvFile, flagBackends)
	if err != nil {
		return err
	}
	dirs := cfg.Dirs()
	locks := lockreg.New(dirs.Locks())
	tokens := tokenstate.New(dirs.TokenStateFile())
	conts := continuation.New(dirs.Continuations())

	fmt.Println("Backends:")
	for name, be := range cfg.Backends {
		state := "ready"
		if tokens.IsExhausted(name) {
			state = "exhausted"
			if reset, ok := tokens.ResetAt(name); ok {
				state = fmt.Sprintf("exhausted until %s", reset.Local().Format("15:04:05"))
			}
		}
		fmt.Printf("  %-12s %-6s %d/%d slots  %s\n",
			name, be.Kind, locks.Count(name), be.MaxParallel, state)
	}

	entries, err := os.ReadDir(cfg.VaultDir)
	if err != nil {
		return fmt.Errorf("read vault dir: %w", err)
	}

	fmt.Println("\nTasks:")
	for _, e := range entries {
		if !e.IsDir() || !config.ValidTaskName(e.Name()) {
			continue
		}
		task := e.Name()
		taskDir := filepath.Join(cfg.VaultDir, task)

		detail := "empty"
		if latest, ok, _ := turn.LatestFile(taskDir); ok {
			kind, err := turn.Classify(taskDir, latest)
			if err != nil {
				detail = fmt.Sprintf("%s (unreadable)", latest)
			} else {
				detail = fmt.Sprintf("%s (%s)", latest, kind)
			}
		}
		if backend, pid, held := locks.HolderFor(task); held {
			detail += fmt.Sprintf("  RUNNING on %s pid %d", backend, pid)
		}
		if rec, ok := conts.Get(task); ok {
			detail += fmt.Sprintf("  continuation %d/%d", rec.Count, continuation.MaxRounds)
		}
		fmt.Printf("  %-24s %s\n", task, detail)
	}

	usage, err := journal.ReadUsage(dirs.Usage(), time.Now())
	if err == nil && len(usage) > 0 {
		fmt.Println("\nToday's usage:")
		for backend, u := range usage {
			fmt.Printf("  %-12s %d turns across %d tasks\n", backend, u.TotalTurns, u.TaskCount)
		}
	}
	return nil
}

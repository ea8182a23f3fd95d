package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/state"
	"github.com/ppiankov/vaultbot/internal/systemd"
)

var initPrintUnit bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initPrintUnit, "print-systemd-unit", false,
		"Print a user-level systemd unit for the daemon and exit")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the vault and state directories",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagEnvFile, flagBackends)
	if err != nil {
		return err
	}

	if initPrintUnit {
		bin, err := os.Executable()
		if err != nil {
			bin = "/usr/local/bin/vaultbot"
		}
		fmt.Print(systemd.UnitTemplate(bin, flagEnvFile))
		if home, err := os.UserHomeDir(); err == nil {
			fmt.Fprintf(os.Stderr, "install to %s, then: systemctl --user enable --now vaultbot\n",
				systemd.UnitPath(home))
		}
		return nil
	}

	if err := os.MkdirAll(cfg.VaultDir, 0750); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	if err := state.EnsureDirs(cfg.Dirs()); err != nil {
		return fmt.Errorf("create state dirs: %w", err)
	}

	fmt.Printf("vault:  %s\n", cfg.VaultDir)
	fmt.Printf("state:  %s\n", cfg.StateDir)
	fmt.Printf("create a task: mkdir %s\n", filepath.Join(cfg.VaultDir, "my-task"))
	return nil
}

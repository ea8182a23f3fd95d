package cli

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/state"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check daemon readiness and diagnose configuration issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []checkResult

	cfg, err := config.Load(flagEnvFile, flagBackends)
	if err != nil {
		checks = append(checks, checkResult{
			label:  "configuration",
			ok:     false,
			detail: err.Error(),
			fix:    "set VAULT_TASKS_DIR or pass --env-file",
		})
		printChecks(checks)
		return fmt.Errorf("doctor found issues")
	}
	checks = append(checks, checkResult{label: "configuration", ok: true, detail: "loaded"})

	if info, err := os.Stat(cfg.VaultDir); err == nil && info.IsDir() {
		checks = append(checks, checkResult{label: "vault directory", ok: true, detail: cfg.VaultDir})
	} else {
		checks = append(checks, checkResult{
			label:  "vault directory",
			ok:     false,
			detail: cfg.VaultDir + " missing",
			fix:    "mkdir -p " + cfg.VaultDir,
		})
	}

	dirs := cfg.Dirs()
	if err := state.EnsureDirs(dirs); err == nil {
		checks = append(checks, checkResult{label: "state directory", ok: true, detail: cfg.StateDir})
	} else {
		checks = append(checks, checkResult{
			label:  "state directory",
			ok:     false,
			detail: err.Error(),
		})
	}

	for name, be := range cfg.Backends {
		label := "backend " + name
		if be.Invoker != "" {
			if info, err := os.Stat(be.Invoker); err == nil && info.Mode()&0111 != 0 {
				checks = append(checks, checkResult{label: label, ok: true, detail: be.Invoker})
			} else {
				checks = append(checks, checkResult{
					label:  label,
					ok:     false,
					detail: be.Invoker + " not executable",
					fix:    "chmod +x " + be.Invoker,
				})
			}
			continue
		}
		if path, err := exec.LookPath(be.Command); err == nil {
			checks = append(checks, checkResult{label: label, ok: true, detail: path})
		} else {
			checks = append(checks, checkResult{
				label:  label,
				ok:     false,
				detail: be.Command + " not in PATH",
				fix:    "install " + be.Command + " or set LLM_" + strings.ToUpper(name) + "_COMMAND",
			})
		}
	}

	if cfg.Webhook.URL != "" {
		checks = append(checks, checkResult{label: "notifications", ok: true, detail: "webhook configured"})
	} else {
		checks = append(checks, checkResult{label: "notifications", ok: true, detail: "stderr only"})
	}

	hasFailures := printChecks(checks)
	if hasFailures {
		fmt.Println()
		fmt.Println("Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}
	fmt.Println()
	fmt.Println("All checks passed.")
	return nil
}

func printChecks(checks []checkResult) (hasFailures bool) {
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Println(line)
	}
	return hasFailures
}

// Package cli defines the vaultbot command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	flagEnvFile  string
	flagBackends string
)

var rootCmd = &cobra.Command{
	Use:   "vaultbot",
	Short: "Markdown-vault LLM task orchestrator",
	Long: "Watches a directory of markdown task conversations, routes ready turns\n" +
		"to LLM backends by complexity, and writes framed responses back in place.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "Path to dotenv configuration file")
	rootCmd.PersistentFlags().StringVar(&flagBackends, "backends", "", "Path to YAML backends file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/vaultbot/internal/config"
	vaultmcp "github.com/ppiankov/vaultbot/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the read-only MCP status server",
	Long: "Runs vaultbot as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes read-only tools: tasks, backends, usage, journal.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagEnvFile, flagBackends)
	if err != nil {
		return err
	}

	srv := vaultmcp.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "vaultbot MCP server running on stdio")
	return srv.Run(ctx)
}

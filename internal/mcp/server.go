// Package mcp exposes vaultbot's operational state over the Model
// Context Protocol on stdio. All tools are read-only: they report
// tasks, backends, usage, and audit history, and never touch the
// queue or spawn anything.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/continuation"
	"github.com/ppiankov/vaultbot/internal/lockreg"
	"github.com/ppiankov/vaultbot/internal/state"
	"github.com/ppiankov/vaultbot/internal/tokenstate"
)

// Server wraps the MCP SDK server over vaultbot's state directory.
type Server struct {
	mcpServer *mcpsdk.Server
	cfg       *config.Config
	dirs      state.Dirs
	locks     *lockreg.Registry
	tokens    *tokenstate.Store
	conts     *continuation.Store
}

// New creates the status server from a loaded configuration.
func New(cfg *config.Config) *Server {
	dirs := cfg.Dirs()
	s := &Server{
		cfg:    cfg,
		dirs:   dirs,
		locks:  lockreg.New(dirs.Locks()),
		tokens: tokenstate.New(dirs.TokenStateFile()),
		conts:  continuation.New(dirs.Continuations()),
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "vaultbot",
			Version: "0.1.0",
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run serves on stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "vaultbot_tasks",
		Description: "List task conversations: latest file, turn state, lock holder, continuation round.",
	}, s.handleTasks)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "vaultbot_backends",
		Description: "List configured backends with slot occupancy and rate-limit state.",
	}, s.handleBackends)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "vaultbot_usage",
		Description: "Report per-backend turn usage counters for a day (default today).",
	}, s.handleUsage)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "vaultbot_journal",
		Description: "Return the audit records for one task, oldest first.",
	}, s.handleJournal)
}

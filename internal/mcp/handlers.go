package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/journal"
	"github.com/ppiankov/vaultbot/internal/turn"
)

// TasksInput is empty; the vault directory comes from configuration.
type TasksInput struct{}

// TaskItem describes one task conversation directory.
type TaskItem struct {
	Name         string `json:"name"`
	LatestFile   string `json:"latest_file,omitempty"`
	State        string `json:"state"`
	Backend      string `json:"backend,omitempty"`
	WorkerPID    int    `json:"worker_pid,omitempty"`
	Continuation int    `json:"continuation_round,omitempty"`
}

// TasksOutput lists all task directories.
type TasksOutput struct {
	Tasks []TaskItem `json:"tasks"`
}

func (s *Server) handleTasks(ctx context.Context, req *mcpsdk.CallToolRequest, input TasksInput) (*mcpsdk.CallToolResult, TasksOutput, error) {
	entries, err := os.ReadDir(s.cfg.VaultDir)
	if err != nil {
		return nil, TasksOutput{}, fmt.Errorf("read vault dir: %w", err)
	}

	var out TasksOutput
	for _, e := range entries {
		if !e.IsDir() || !config.ValidTaskName(e.Name()) {
			continue
		}
		item := TaskItem{Name: e.Name(), State: "idle"}

		taskDir := filepath.Join(s.cfg.VaultDir, e.Name())
		if latest, ok, _ := turn.LatestFile(taskDir); ok {
			item.LatestFile = latest
			if kind, err := turn.Classify(taskDir, latest); err == nil {
				item.State = kind.String()
			}
		}
		if backend, pid, held := s.locks.HolderFor(e.Name()); held {
			item.State = "running"
			item.Backend = backend
			item.WorkerPID = pid
		}
		if rec, ok := s.conts.Get(e.Name()); ok {
			item.Continuation = rec.Count
		}
		out.Tasks = append(out.Tasks, item)
	}
	sort.Slice(out.Tasks, func(i, j int) bool { return out.Tasks[i].Name < out.Tasks[j].Name })
	return nil, out, nil
}

// BackendsInput is empty.
type BackendsInput struct{}

// BackendItem reports one backend's availability.
type BackendItem struct {
	Name        string `json:"name"`
	Kind        string `json:"type"`
	MaxParallel int    `json:"max_parallel"`
	ActiveLocks int    `json:"active_locks"`
	Exhausted   bool   `json:"exhausted"`
	ResetAt     string `json:"reset_at,omitempty"`
}

// BackendsOutput lists the backend table.
type BackendsOutput struct {
	Backends []BackendItem `json:"backends"`
}

func (s *Server) handleBackends(ctx context.Context, req *mcpsdk.CallToolRequest, input BackendsInput) (*mcpsdk.CallToolResult, BackendsOutput, error) {
	names := make([]string, 0, len(s.cfg.Backends))
	for name := range s.cfg.Backends {
		names = append(names, name)
	}
	sort.Strings(names)

	var out BackendsOutput
	for _, name := range names {
		be := s.cfg.Backends[name]
		item := BackendItem{
			Name:        name,
			Kind:        string(be.Kind),
			MaxParallel: be.MaxParallel,
			ActiveLocks: s.locks.Count(name),
			Exhausted:   s.tokens.IsExhausted(name),
		}
		if reset, ok := s.tokens.ResetAt(name); ok {
			item.ResetAt = reset.Format(time.RFC3339)
		}
		out.Backends = append(out.Backends, item)
	}
	return nil, out, nil
}

// UsageInput selects the day to report.
type UsageInput struct {
	Day string `json:"day,omitempty" jsonschema:"day in YYYY-MM-DD format, default today"`
}

// UsageOutput is the per-backend usage table for one day.
type UsageOutput struct {
	Day      string                          `json:"day"`
	Backends map[string]journal.BackendUsage `json:"backends"`
}

func (s *Server) handleUsage(ctx context.Context, req *mcpsdk.CallToolRequest, input UsageInput) (*mcpsdk.CallToolResult, UsageOutput, error) {
	day := time.Now().UTC()
	if input.Day != "" {
		parsed, err := time.Parse("2006-01-02", input.Day)
		if err != nil {
			return nil, UsageOutput{}, fmt.Errorf("invalid day %q: %w", input.Day, err)
		}
		day = parsed
	}
	counters, err := journal.ReadUsage(s.dirs.Usage(), day)
	if err != nil {
		return nil, UsageOutput{}, err
	}
	return nil, UsageOutput{Day: day.Format("2006-01-02"), Backends: counters}, nil
}

// JournalInput selects the task whose audit history to return.
type JournalInput struct {
	Task  string `json:"task" jsonschema:"task directory name"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum records to return, newest kept"`
}

// JournalOutput holds the audit records.
type JournalOutput struct {
	Task    string           `json:"task"`
	Records []journal.Record `json:"records"`
}

func (s *Server) handleJournal(ctx context.Context, req *mcpsdk.CallToolRequest, input JournalInput) (*mcpsdk.CallToolResult, JournalOutput, error) {
	if !config.ValidTaskName(input.Task) {
		return nil, JournalOutput{}, fmt.Errorf("invalid task name %q", input.Task)
	}
	recs, err := journal.ReadRecords(s.dirs.Audit(), input.Task)
	if err != nil {
		return nil, JournalOutput{}, err
	}
	if input.Limit > 0 && len(recs) > input.Limit {
		recs = recs[len(recs)-input.Limit:]
	}
	return nil, JournalOutput{Task: input.Task, Records: recs}, nil
}

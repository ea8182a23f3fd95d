package invoke

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/session"
)

// Hosted invokes the claude-style CLI: headless prompt mode with
// --max-turns budgeting and --resume session continuity. Stderr is
// captured to the per-invocation log and mined for session id, turn
// count, and rate-limit signals.
type Hosted struct {
	be       config.Backend
	sessions *session.Store
	parser   StderrParser
}

// NewHosted creates the hosted adapter for a backend entry.
func NewHosted(be config.Backend, sessions *session.Store) *Hosted {
	return &Hosted{be: be, sessions: sessions, parser: claudeParser{}}
}

func (h *Hosted) Name() string { return h.be.Name }

// Invoke runs one hosted turn. On success the framed response file is
// written atomically; on failure no output file is left behind.
func (h *Hosted) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return &Result{ExitCode: ExitUsage}, err
	}

	input, err := os.ReadFile(filepath.Join(req.TaskDir, req.InputFile))
	if err != nil {
		return &Result{ExitCode: ExitUsage}, fmt.Errorf("read input: %w", err)
	}
	prompt := PreparePrompt(input)

	// Resolve the resume session: an explicit continuation wins, then a
	// fresh session file for the task.
	sid := req.ResumeSession
	if sid == "" {
		sid, _ = h.sessions.Get(req.Task)
	}

	args := []string{"-p", prompt, "--max-turns", strconv.Itoa(req.MaxTurns)}
	args = append(args, h.be.Flags...)
	if h.be.Model != "" {
		args = append(args, "--model", h.be.Model)
	}
	if sid != "" {
		args = append(args, "--resume", sid)
	}

	stderrLog, err := openStderrLog(req.StderrLog)
	if err != nil {
		return &Result{ExitCode: ExitUsage}, fmt.Errorf("open stderr log: %w", err)
	}

	var stdout bytes.Buffer
	start := time.Now()
	cmd := exec.CommandContext(ctx, h.be.Command, args...)
	cmd.Dir = req.TaskDir
	cmd.Stdout = &stdout
	cmd.Stderr = stderrLog
	// Clear the in-session marker so the CLI does not refuse with a
	// nested-session error when vaultbot itself was launched by claude.
	cmd.Env = append(os.Environ(), "CLAUDECODE=")

	if err := cmd.Start(); err != nil {
		stderrLog.Close()
		return &Result{ExitCode: ExitUsage}, fmt.Errorf("start %s: %w", h.be.Command, err)
	}
	if req.OnStart != nil {
		req.OnStart(cmd.Process.Pid)
	}
	waitErr := cmd.Wait()
	stderrLog.Close()

	stderr, _ := os.ReadFile(req.StderrLog)
	res := &Result{
		ExitCode:      exitCode(waitErr),
		StderrExcerpt: stderrExcerpt(req.StderrLog),
	}

	if reset, hit := h.parser.DetectRateLimit(stderr); hit {
		res.Exhausted = true
		res.ResetHint = reset
		res.ExitCode = ExitRateLimited
		return res, nil
	}

	if n, ok := h.parser.ParseTurns(stderr); ok {
		res.TurnsUsed = n
	}
	res.SessionID = h.resolveSession(stderr, sid, start)

	if res.ExitCode != ExitOK {
		return res, nil
	}

	if err := WriteFramed(filepath.Join(req.TaskDir, req.OutputFile), stdout.String()); err != nil {
		res.ExitCode = ExitUsage
		return res, err
	}
	if res.SessionID != "" {
		_ = h.sessions.Put(req.Task, res.SessionID)
	}
	return res, nil
}

// resolveSession picks the session id: stderr patterns, then a session
// transcript freshly written under the CLI's projects directory, then
// the id we resumed with, then a generated UUID so continuations always
// have something to hand back.
func (h *Hosted) resolveSession(stderr []byte, resumed string, since time.Time) string {
	if id, ok := h.parser.ParseSession(stderr); ok {
		return id
	}
	if id, ok := recentTranscriptID(projectsDir(), since); ok {
		return id
	}
	if resumed != "" {
		return resumed
	}
	return uuid.NewString()
}

// projectsDir is where the hosted CLI drops session transcripts.
func projectsDir() string {
	if dir := os.Getenv("CLAUDE_PROJECTS_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

// recentTranscriptID returns the stem of the newest .jsonl transcript
// modified after since, searching one directory level down.
func recentTranscriptID(root string, since time.Time) (string, bool) {
	if root == "" {
		return "", false
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	var best string
	var bestMod time.Time
	for _, proj := range entries {
		if !proj.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, proj.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(since) && info.ModTime().After(bestMod) {
				bestMod = info.ModTime()
				best = strings.TrimSuffix(f.Name(), ".jsonl")
			}
		}
	}
	return best, best != ""
}

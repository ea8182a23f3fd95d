package invoke

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/vaultbot/internal/config"
)

// probeTimeout bounds the daemon liveness check.
const probeTimeout = 5 * time.Second

// System prompts selected by complexity. 1 keeps the model terse; 2
// asks for worked reasoning. There is no complexity 3 here — those
// route to the hosted backend.
const (
	systemTerse = "You are a concise assistant. Answer directly, no preamble."

	systemElaborated = "You are a careful assistant. Think through the request " +
		"step by step, state your assumptions, and structure the answer with " +
		"short headings where it helps. Prefer concrete commands and examples " +
		"over general advice."
)

// Local invokes an ollama-style daemon-backed model. No session
// concept — resume requests are ignored — and the daemon is probed
// with a cheap list command before committing the turn.
type Local struct {
	be     config.Backend
	parser StderrParser
}

// NewLocal creates the local adapter for a backend entry.
func NewLocal(be config.Backend) *Local {
	return &Local{be: be, parser: genericParser{}}
}

func (l *Local) Name() string { return l.be.Name }

// Invoke runs one local turn. Exit code 2 means the daemon is down.
func (l *Local) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return &Result{ExitCode: ExitUsage}, err
	}

	if err := l.probe(ctx); err != nil {
		return &Result{ExitCode: ExitDaemonDown}, err
	}

	input, err := os.ReadFile(filepath.Join(req.TaskDir, req.InputFile))
	if err != nil {
		return &Result{ExitCode: ExitUsage}, fmt.Errorf("read input: %w", err)
	}

	system := systemTerse
	if req.Complexity >= 2 {
		system = systemElaborated
	}
	prompt := system + "\n\n" + PreparePrompt(input)

	args := []string{"run", l.be.Model}
	args = append(args, l.be.Flags...)

	stderrLog, err := openStderrLog(req.StderrLog)
	if err != nil {
		return &Result{ExitCode: ExitUsage}, fmt.Errorf("open stderr log: %w", err)
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, l.be.Command, args...)
	cmd.Dir = req.TaskDir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stdout = &stdout
	cmd.Stderr = stderrLog
	if l.be.Endpoint != "" {
		cmd.Env = append(os.Environ(), "OLLAMA_HOST="+l.be.Endpoint)
	}

	if err := cmd.Start(); err != nil {
		stderrLog.Close()
		return &Result{ExitCode: ExitUsage}, fmt.Errorf("start %s: %w", l.be.Command, err)
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

	if reset, hit := l.parser.DetectRateLimit(stderr); hit {
		res.Exhausted = true
		res.ResetHint = reset
		res.ExitCode = ExitRateLimited
		return res, nil
	}

	if res.ExitCode != ExitOK {
		return res, nil
	}
	if err := WriteFramed(filepath.Join(req.TaskDir, req.OutputFile), stdout.String()); err != nil {
		res.ExitCode = ExitUsage
		return res, err
	}
	return res, nil
}

// probe checks the daemon with the cheap list command.
func (l *Local) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, l.be.Command, "list")
	if l.be.Endpoint != "" {
		cmd.Env = append(os.Environ(), "OLLAMA_HOST="+l.be.Endpoint)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonDown, err)
	}
	return nil
}

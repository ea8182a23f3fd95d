package invoke

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/ppiankov/vaultbot/internal/config"
)

// External invokes a user-provided adapter script and parses its stdout
// line protocol: SESSION_ID:<id>, TURNS_USED:<n>, TOKEN_EXHAUSTED:<t>.
// The script owns writing the framed output file; vaultbot only reads
// the protocol and the exit code.
type External struct {
	be config.Backend
}

// NewExternal creates the adapter for a backend with an invoker path.
func NewExternal(be config.Backend) *External {
	return &External{be: be}
}

func (e *External) Name() string { return e.be.Name }

// Invoke runs the adapter script with positional args
// <task-dir> <input> <output> [resume-session] and environment carrying
// the turn budget, complexity, and stderr log path.
func (e *External) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return &Result{ExitCode: ExitUsage}, err
	}

	args := []string{req.TaskDir, req.InputFile, req.OutputFile}
	if req.ResumeSession != "" {
		args = append(args, req.ResumeSession)
	}

	stderrLog, err := openStderrLog(req.StderrLog)
	if err != nil {
		return &Result{ExitCode: ExitUsage}, fmt.Errorf("open stderr log: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.be.Invoker, args...)
	cmd.Dir = req.TaskDir
	cmd.Stderr = stderrLog
	cmd.Env = append(os.Environ(),
		"MAX_TURNS="+strconv.Itoa(req.MaxTurns),
		"COMPLEXITY="+strconv.Itoa(req.Complexity),
		"STDERR_LOG="+req.StderrLog,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stderrLog.Close()
		return &Result{ExitCode: ExitUsage}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stderrLog.Close()
		return &Result{ExitCode: ExitUsage}, fmt.Errorf("start %s: %w", e.be.Invoker, err)
	}
	if req.OnStart != nil {
		req.OnStart(cmd.Process.Pid)
	}

	res := &Result{}
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		applyProtocolLine(res, sc.Text())
	}

	waitErr := cmd.Wait()
	stderrLog.Close()

	res.ExitCode = exitCode(waitErr)
	res.StderrExcerpt = stderrExcerpt(req.StderrLog)
	if res.ExitCode == ExitRateLimited {
		res.Exhausted = true
		if res.ResetHint == "" {
			res.ResetHint = "60"
		}
	}
	return res, nil
}

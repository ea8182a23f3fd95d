// Package invoke runs one backend subprocess per invocation and turns
// its output into a structured Result. One adapter per backend kind:
// hosted CLI (sessions, rate limits), local daemon (no sessions), and
// an external adapter script speaking the stdout line protocol.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Exit codes forming the invoker contract.
const (
	ExitOK          = 0
	ExitUsage       = 1
	ExitDaemonDown  = 2
	ExitRateLimited = 10
)

// Frame markers bracketing every backend-produced file.
const (
	FrameHeader = "<!-- CLAUDE-RESPONSE -->"
	FrameFooter = "# <User>"
)

// ErrDaemonDown means the local backend daemon did not answer the probe.
var ErrDaemonDown = errors.New("backend daemon unreachable")

// Request describes one invocation.
type Request struct {
	Task          string
	TaskDir       string
	InputFile     string // filename within TaskDir
	OutputFile    string // filename within TaskDir
	ResumeSession string
	MaxTurns      int
	Complexity    int
	StderrLog     string // absolute path for the backend stderr capture

	// OnStart receives the subprocess PID right after spawn, before
	// the wait, so the caller can rewrite the lock body.
	OnStart func(pid int)
}

// Result is the parsed outcome of an invocation.
type Result struct {
	SessionID     string
	TurnsUsed     int
	ExitCode      int
	Exhausted     bool
	ResetHint     string
	StderrExcerpt string
}

// Invoker runs a backend subprocess for one turn.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// validateRequest rejects traversal in every path-bearing field.
func validateRequest(req Request) error {
	for _, p := range []string{req.Task, req.InputFile, req.OutputFile} {
		if p == "" || strings.Contains(p, "..") || strings.Contains(p, "/") {
			return fmt.Errorf("invoke: unsafe path element %q", p)
		}
	}
	if strings.Contains(req.TaskDir, "..") {
		return fmt.Errorf("invoke: unsafe task dir %q", req.TaskDir)
	}
	return nil
}

// PreparePrompt strips the response frame from the input: the header
// line and any sentinel lines (<User>, # <User>, <Stop>). What remains
// is the text handed to the backend.
func PreparePrompt(data []byte) string {
	lines := strings.Split(string(data), "\n")
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if i == 0 && trimmed == FrameHeader {
			continue
		}
		if trimmed == "<User>" || trimmed == "# <User>" || trimmed == "<Stop>" {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// WriteFramed writes the response body wrapped in the exact frame:
// header, blank line, body, blank line, footer. Atomic via temp+rename
// so the watcher never sees a half-written response.
func WriteFramed(path, body string) error {
	framed := FrameHeader + "\n\n" + strings.TrimSpace(body) + "\n\n" + FrameFooter + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(framed), 0600); err != nil {
		return fmt.Errorf("invoke: write response: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("invoke: rename response: %w", err)
	}
	return nil
}

// exitCode extracts the subprocess exit code from a Wait error.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// stderrExcerpt returns the tail of the stderr log for audit records.
func stderrExcerpt(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	const max = 500
	if len(data) > max {
		data = data[len(data)-max:]
	}
	return strings.TrimSpace(string(data))
}

// openStderrLog creates the stderr capture file, making the parent
// directory if needed.
func openStderrLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
}

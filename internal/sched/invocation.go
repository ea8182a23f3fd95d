package sched

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ppiankov/vaultbot/internal/continuation"
	"github.com/ppiankov/vaultbot/internal/invoke"
	"github.com/ppiankov/vaultbot/internal/journal"
	"github.com/ppiankov/vaultbot/internal/notify"
	"github.com/ppiankov/vaultbot/internal/queue"
	"github.com/ppiankov/vaultbot/internal/tokenstate"
	"github.com/ppiankov/vaultbot/internal/turn"
)

// responseFilename derives the invoker's intermediate output name from
// the input stem. On success the artifact is promoted to the next
// numbered turn; it never stays under this name.
func responseFilename(input string) string {
	return strings.TrimSuffix(input, ".md") + "_response.md"
}

// promoteResponse renames the response artifact to the successor turn
// filename so it becomes the task's latest file. A turn the user wrote
// in the meantime is never overwritten; the response slots in after it.
func (s *Scheduler) promoteResponse(taskDir, task, input, output string) (string, error) {
	next, err := turn.NextFilename(input, task)
	if err != nil {
		return "", err
	}
	for {
		_, statErr := os.Stat(filepath.Join(taskDir, next))
		if statErr != nil {
			if os.IsNotExist(statErr) {
				break
			}
			return "", statErr
		}
		if next, err = turn.NextFilename(next, task); err != nil {
			return "", err
		}
	}
	if err := os.Rename(filepath.Join(taskDir, output), filepath.Join(taskDir, next)); err != nil {
		return "", err
	}
	return next, nil
}

// runInvocation is the per-invocation monitor goroutine: it spawns the
// backend, waits, and processes the result. The lock and semaphore
// token are held for its whole lifetime.
func (s *Scheduler) runInvocation(ctx context.Context, backend string, ev queue.Event, complexity int, resumeSession string) {
	defer s.wg.Done()
	defer func() { <-s.sem[backend] }()
	defer func() { _ = s.locks.Release(backend, ev.Task) }()

	taskDir := s.taskDir(ev.Task)
	output := responseFilename(ev.File)

	var childPID atomic.Int64
	req := invoke.Request{
		Task:          ev.Task,
		TaskDir:       taskDir,
		InputFile:     ev.File,
		OutputFile:    output,
		ResumeSession: resumeSession,
		MaxTurns:      s.cfg.DefaultMaxTurns,
		Complexity:    complexity,
		StderrLog:     filepath.Join(s.dirs.Logs(), ev.Task+"_"+output+".log"),
		OnStart: func(pid int) {
			childPID.Store(int64(pid))
			// The lock now names the worker so external observers can
			// find it; the journal START pairs with END on this PID.
			_ = s.locks.Rewrite(backend, ev.Task, pid)
			if err := s.jnl.Start(ev.Task, ev.File, backend, pid, resumeSession); err != nil {
				fmt.Fprintf(os.Stderr, "sched: journal start %s: %v\n", ev.Task, err)
			}
		},
	}

	inv, ok := s.invokers[backend]
	if !ok {
		fmt.Fprintf(os.Stderr, "sched: no invoker for backend %s\n", backend)
		return
	}

	res, err := inv.Invoke(ctx, req)
	if err != nil && res == nil {
		res = &invoke.Result{ExitCode: invoke.ExitUsage}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sched: invoke %s/%s on %s: %v\n", ev.Task, ev.File, backend, err)
	}

	pid := int(childPID.Load())
	if pid == 0 {
		// Spawn never happened; keep the journal pair consistent.
		pid = os.Getpid()
		_ = s.jnl.Start(ev.Task, ev.File, backend, pid, resumeSession)
	}
	if err := s.jnl.End(ev.Task, ev.File, backend, pid, res.ExitCode, res.TurnsUsed); err != nil {
		fmt.Fprintf(os.Stderr, "sched: journal end %s: %v\n", ev.Task, err)
	}

	if err := journal.WriteRecord(s.dirs.Audit(), journal.Record{
		Task:          ev.Task,
		File:          ev.File,
		Backend:       backend,
		SessionID:     res.SessionID,
		Turns:         res.TurnsUsed,
		ExitCode:      res.ExitCode,
		Timestamp:     time.Now().UTC(),
		StderrExcerpt: res.StderrExcerpt,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "sched: audit record %s: %v\n", ev.Task, err)
	}
	if err := journal.UpdateUsage(s.dirs.Usage(), backend, res.TurnsUsed, ev.Task); err != nil {
		fmt.Fprintf(os.Stderr, "sched: usage update: %v\n", err)
	}

	if res.Exhausted {
		s.handleExhaustion(backend, ev, res)
		return
	}

	switch res.ExitCode {
	case invoke.ExitOK:
		s.clearFailureSentinel(ev.Task, ev.File)
		final, perr := s.promoteResponse(taskDir, ev.Task, ev.File, output)
		if perr != nil {
			fmt.Fprintf(os.Stderr, "sched: promote response %s/%s: %v\n", ev.Task, output, perr)
			final = output
		}
		s.notifier.Send(
			fmt.Sprintf("%s replied", ev.Task),
			fmt.Sprintf("%s written by %s (%d turns)", final, backend, res.TurnsUsed),
			notify.Options{},
		)
		s.decideContinuation(ev.Task, taskDir, final, res)
	case invoke.ExitDaemonDown:
		// Transient: the daemon may come back; retry without a sentinel.
		s.notifier.Send(
			fmt.Sprintf("%s backend down", backend),
			fmt.Sprintf("task %s re-queued", ev.Task),
			notify.Options{Priority: true},
		)
		_ = s.q.Write(queue.FileReady, ev.Task, ev.File, ev.Metadata)
	default:
		s.setFailureSentinel(ev.Task, ev.File, res.ExitCode)
		s.notifier.Send(
			fmt.Sprintf("%s failed", ev.Task),
			fmt.Sprintf("backend %s exit %d on %s", backend, res.ExitCode, ev.File),
			notify.Options{Priority: true},
		)
	}
}

// handleExhaustion records the rate limit and re-queues the event so it
// routes elsewhere or waits out the reset.
func (s *Scheduler) handleExhaustion(backend string, ev queue.Event, res *invoke.Result) {
	resetAt := tokenstate.ParseReset(res.ResetHint, time.Now())
	if err := s.tokens.MarkExhausted(backend, resetAt); err != nil {
		fmt.Fprintf(os.Stderr, "sched: mark exhausted %s: %v\n", backend, err)
	}
	s.notifier.Send(
		fmt.Sprintf("%s rate limited", backend),
		fmt.Sprintf("exhausted until %s; %s re-queued", resetAt.Format(time.RFC3339), ev.Task),
		notify.Options{Priority: true},
	)
	_ = s.q.Write(queue.FileReady, ev.Task, ev.File, ev.Metadata)
}

// decideContinuation applies the max-turn continuation rules after a
// successful invocation.
func (s *Scheduler) decideContinuation(task, taskDir, responseFile string, res *invoke.Result) {
	if res.TurnsUsed < s.cfg.DefaultMaxTurns || res.TurnsUsed == 0 {
		// Finished under budget: any tracked continuation is complete.
		_ = s.conts.Clear(task)
		return
	}

	kind, err := turn.Classify(taskDir, responseFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sched: classify %s/%s: %v\n", task, responseFile, err)
		return
	}

	if kind == turn.Edited {
		// The user got there first — treat the edited response as the
		// next input.
		_ = s.conts.Clear(task)
		_ = s.q.Write(queue.FileReady, task, responseFile, "")
		return
	}
	if stop, _ := turn.DetectStop(taskDir, responseFile); stop {
		_ = s.conts.Clear(task)
		return
	}
	if !s.conts.ShouldContinue(task) {
		fmt.Fprintf(os.Stderr, "sched: %s hit the continuation limit (%d rounds), stopping auto-resume\n",
			task, continuation.MaxRounds)
		_ = s.conts.Clear(task)
		return
	}

	if err := s.conts.Mark(task, res.SessionID, res.TurnsUsed, s.cfg.DefaultMaxTurns, responseFile); err != nil {
		fmt.Fprintf(os.Stderr, "sched: mark continuation %s: %v\n", task, err)
		return
	}
	_ = s.q.Write(queue.FileReady, task, responseFile, continuationPrefix+res.SessionID)
}

package sched

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/ppiankov/vaultbot/internal/journal"
	"github.com/ppiankov/vaultbot/internal/notify"
	"github.com/ppiankov/vaultbot/internal/queue"
	"github.com/ppiankov/vaultbot/internal/state"
)

const (
	// termGrace is how long a stopped invoker gets to exit cleanly.
	termGrace = 5 * time.Second
	// killGrace is the settle wait after a force kill.
	killGrace = 1 * time.Second
	// interruptExit mirrors the conventional SIGINT exit status.
	interruptExit = 130
)

// unsafeChars is replaced when building partial rescue filenames.
var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// handleStop preempts whatever is running for the task: terminate the
// invoker, rescue the partial response, invalidate the session, audit
// the interruption, and release the lock.
func (s *Scheduler) handleStop(ev queue.Event) {
	backend, pid, held := s.locks.HolderFor(ev.Task)

	// The watcher re-emits the stop every sweep while <Stop> sits in the
	// latest file; once nothing runs and the session carries the
	// tombstone, the stop has already been processed.
	if !held && s.sessions.Invalidated(ev.Task) {
		return
	}

	if held && pid == os.Getpid() {
		// Pre-spawn window: the lock still names the scheduler, not the
		// worker. Defer until the lock body is rewritten.
		_ = s.q.Write(queue.StopSignal, ev.Task, ev.File, ev.Metadata)
		return
	}

	if held {
		if !s.terminate(pid) {
			fmt.Fprintf(os.Stderr, "sched: stop %s: pid %d survived SIGKILL\n", ev.Task, pid)
		}
	}

	s.rescuePartial(ev.Task, ev.File)

	if err := s.sessions.Invalidate(ev.Task); err != nil {
		fmt.Fprintf(os.Stderr, "sched: invalidate session %s: %v\n", ev.Task, err)
	}
	_ = s.conts.Clear(ev.Task)

	if err := journal.WriteRecord(s.dirs.Audit(), journal.Record{
		Task:        ev.Task,
		File:        ev.File,
		Backend:     backend,
		ExitCode:    interruptExit,
		Interrupted: true,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "sched: interrupt record %s: %v\n", ev.Task, err)
	}

	if held {
		_ = s.jnl.End(ev.Task, ev.File, backend, pid, interruptExit, 0)
		_ = s.locks.Release(backend, ev.Task)
	}

	s.notifier.Send(
		fmt.Sprintf("%s stopped", ev.Task),
		"conversation terminated by stop signal",
		notify.Options{Priority: true},
	)
}

// terminate sends SIGTERM, waits up to termGrace, escalates to
// SIGKILL, and verifies. Returns true when the process is gone.
func (s *Scheduler) terminate(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}

	_ = proc.Signal(syscall.SIGTERM)
	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Signal(syscall.SIGKILL)
	time.Sleep(killGrace)
	return proc.Signal(syscall.Signal(0)) != nil
}

// rescuePartial copies the latest (possibly partial) response into the
// partial directory before anything else touches it.
func (s *Scheduler) rescuePartial(task, file string) {
	src := filepath.Join(s.taskDir(task), file)
	if _, err := os.Stat(src); err != nil {
		return
	}
	safeTask := unsafeChars.ReplaceAllString(task, "_")
	safeFile := unsafeChars.ReplaceAllString(file, "_")
	dst := filepath.Join(s.dirs.Partial(),
		fmt.Sprintf("%s_%s_%d.md", safeTask, safeFile, time.Now().Unix()))

	data, err := os.ReadFile(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sched: rescue partial %s: %v\n", task, err)
		return
	}
	if err := state.WriteFileAtomic(dst, data, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "sched: rescue partial %s: %v\n", task, err)
	}
}

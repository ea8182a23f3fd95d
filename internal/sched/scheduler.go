// Package sched implements the dispatch loop: drain the event queue,
// route each ready file to a backend, admit it through the lock
// registry and the per-backend slot semaphore, spawn the invoker, and
// process the invocation lifecycle — including max-turn continuation
// and stop-signal interruption.
package sched

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/continuation"
	"github.com/ppiankov/vaultbot/internal/invoke"
	"github.com/ppiankov/vaultbot/internal/journal"
	"github.com/ppiankov/vaultbot/internal/lockreg"
	"github.com/ppiankov/vaultbot/internal/notify"
	"github.com/ppiankov/vaultbot/internal/queue"
	"github.com/ppiankov/vaultbot/internal/registry"
	"github.com/ppiankov/vaultbot/internal/session"
	"github.com/ppiankov/vaultbot/internal/state"
	"github.com/ppiankov/vaultbot/internal/tokenstate"
)

// continuationPrefix marks re-queued events carrying a resume session.
const continuationPrefix = "continuation:"

// Scheduler coordinates invocations. The control loop is single
// threaded; each in-flight invocation gets one monitor goroutine that
// never blocks the loop.
type Scheduler struct {
	cfg      *config.Config
	dirs     state.Dirs
	q        *queue.Queue
	reg      *registry.Registry
	locks    *lockreg.Registry
	tokens   *tokenstate.Store
	sessions *session.Store
	conts    *continuation.Store
	jnl      *journal.Journal
	notifier notify.Notifier
	invokers map[string]invoke.Invoker

	// sem mirrors max_parallel in-process; the filesystem locks stay
	// the cross-process truth for external observers.
	sem map[string]chan struct{}

	retry []queue.Event

	// exhaustionNotified remembers which reset window each backend was
	// already announced for, so the priority notification fires once.
	exhaustionNotified map[string]time.Time

	wg sync.WaitGroup
}

// New wires a scheduler from its collaborators.
func New(cfg *config.Config, q *queue.Queue, reg *registry.Registry, locks *lockreg.Registry,
	tokens *tokenstate.Store, sessions *session.Store, conts *continuation.Store,
	jnl *journal.Journal, notifier notify.Notifier) *Scheduler {

	s := &Scheduler{
		cfg:                cfg,
		dirs:               cfg.Dirs(),
		q:                  q,
		reg:                reg,
		locks:              locks,
		tokens:             tokens,
		sessions:           sessions,
		conts:              conts,
		jnl:                jnl,
		notifier:           notifier,
		invokers:           map[string]invoke.Invoker{},
		sem:                map[string]chan struct{}{},
		exhaustionNotified: map[string]time.Time{},
	}
	for name, be := range cfg.Backends {
		s.invokers[name] = invoke.ForBackend(be, sessions)
		s.sem[name] = make(chan struct{}, be.MaxParallel)
	}
	return s
}

// SetInvoker replaces a backend adapter. Tests use this to avoid
// spawning real CLIs.
func (s *Scheduler) SetInvoker(name string, inv invoke.Invoker) {
	s.invokers[name] = inv
}

// Run executes the cycle loop until ctx is cancelled, then waits for
// in-flight monitor goroutines.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SchedulerCycle)
	defer ticker.Stop()

	if tasks, err := s.jnl.CheckIncomplete(); err == nil && len(tasks) > 0 {
		fmt.Fprintf(os.Stderr, "sched: incomplete invocations from previous run: %s\n",
			strings.Join(tasks, ", "))
	}

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one scheduler iteration: drain, dispatch, retry, reap.
func (s *Scheduler) Cycle(ctx context.Context) {
	events, err := s.q.Drain()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sched: drain: %v\n", err)
		return
	}
	for _, ev := range events {
		s.dispatch(ctx, ev)
	}

	pending := s.retry
	s.retry = nil
	for _, ev := range pending {
		s.handleFileReady(ctx, ev)
	}

	if n := s.locks.ReapStale(); n > 0 {
		fmt.Fprintf(os.Stderr, "sched: reaped %d stale locks\n", n)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, ev queue.Event) {
	switch ev.Kind {
	case queue.FileReady:
		s.handleFileReady(ctx, ev)
	case queue.StopSignal:
		s.handleStop(ev)
	default:
		fmt.Fprintf(os.Stderr, "sched: dropping %s event for %s\n", ev.Kind, ev.Task)
	}
}

// pushRetry parks a file_ready event for the next cycle, collapsing
// duplicates on (task, file).
func (s *Scheduler) pushRetry(ev queue.Event) {
	for _, r := range s.retry {
		if r.Task == ev.Task && r.File == ev.File {
			return
		}
	}
	s.retry = append(s.retry, ev)
}

// handleFileReady routes, admits, and spawns one invocation.
func (s *Scheduler) handleFileReady(ctx context.Context, ev queue.Event) {
	if !config.ValidTaskName(ev.Task) {
		fmt.Fprintf(os.Stderr, "sched: rejecting invalid task name %q\n", ev.Task)
		return
	}

	resumeSession := ""
	if strings.HasPrefix(ev.Metadata, continuationPrefix) {
		resumeSession = strings.TrimPrefix(ev.Metadata, continuationPrefix)
	}

	taskDir := s.taskDir(ev.Task)
	complexity := s.reg.ResolveComplexity(ev.Task, taskDir, ev.File)

	backend, err := s.reg.Route(complexity)
	if err != nil {
		if complexity == 3 {
			s.notifyExhaustion()
		}
		s.pushRetry(ev)
		return
	}

	if s.locks.Check(backend, ev.Task) {
		return // already in flight
	}
	if s.failureSentinelSet(ev.Task, ev.File) {
		return
	}

	if s.cfg.DryRun {
		if err := s.locks.Acquire(backend, ev.Task, os.Getpid()); err == nil {
			_ = s.locks.Release(backend, ev.Task)
		}
		fmt.Fprintf(os.Stderr, "sched: DRY-RUN %s/%s → %s (complexity %d)\n",
			ev.Task, ev.File, backend, complexity)
		return
	}

	select {
	case s.sem[backend] <- struct{}{}:
	default:
		s.pushRetry(ev)
		return
	}

	if err := s.locks.Acquire(backend, ev.Task, os.Getpid()); err != nil {
		<-s.sem[backend]
		return
	}

	s.wg.Add(1)
	go s.runInvocation(ctx, backend, ev, complexity, resumeSession)
}

// notifyExhaustion surfaces a priority notification once per
// exhaustion window when complexity-3 work cannot route.
func (s *Scheduler) notifyExhaustion() {
	for _, name := range s.reg.List() {
		be, _ := s.reg.Get(name)
		if be.Kind != config.KindAPI || !s.reg.IsExhausted(name) {
			continue
		}
		reset, ok := s.tokens.ResetAt(name)
		if !ok {
			continue
		}
		if prev, seen := s.exhaustionNotified[name]; seen && prev.Equal(reset) {
			continue
		}
		s.exhaustionNotified[name] = reset
		s.notifier.Send(
			fmt.Sprintf("%s rate limited", name),
			fmt.Sprintf("high-complexity tasks queued until %s", reset.Format(time.RFC3339)),
			notify.Options{Priority: true},
		)
	}
}

func (s *Scheduler) taskDir(task string) string {
	return filepath.Join(s.cfg.VaultDir, task)
}

// Package supervisor owns the long-lived component goroutines. A
// component that returns or panics is restarted unless it has died too
// often within the restart window, in which case a priority
// notification goes out and the component stays down — the rest of the
// system keeps running.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/vaultbot/internal/lockreg"
	"github.com/ppiankov/vaultbot/internal/notify"
)

// Component is one supervised unit of work. Run blocks until ctx is
// cancelled or the component fails.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config holds supervision tunables.
type Config struct {
	MaxRestarts     int
	RestartWindow   time.Duration
	ShutdownTimeout time.Duration
	MonitorInterval time.Duration
}

// Supervisor launches and restarts components.
type Supervisor struct {
	cfg        Config
	components []Component
	notifier   notify.Notifier
	locks      *lockreg.Registry

	mu     sync.Mutex
	status map[string]string
}

// New creates a supervisor over the given components.
func New(cfg Config, notifier notify.Notifier, locks *lockreg.Registry, components ...Component) *Supervisor {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartWindow == 0 {
		cfg.RestartWindow = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = time.Minute
	}
	s := &Supervisor{cfg: cfg, notifier: notifier, locks: locks, components: components,
		status: map[string]string{}}
	for _, c := range components {
		s.status[c.Name] = "idle"
	}
	return s
}

// Status returns a snapshot of component states.
func (s *Supervisor) Status() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

func (s *Supervisor) setStatus(name, state string) {
	s.mu.Lock()
	s.status[name] = state
	s.mu.Unlock()
}

// Run blocks until ctx is cancelled, then waits for components up to
// ShutdownTimeout and performs the final stale-lock sweep.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, c := range s.components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			s.supervise(ctx, c)
		}(c)
	}
	go s.monitor(ctx)

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		fmt.Fprintf(os.Stderr, "supervisor: shutdown timeout after %s, abandoning components\n",
			s.cfg.ShutdownTimeout)
	}

	if s.locks != nil {
		if n := s.locks.ReapStale(); n > 0 {
			fmt.Fprintf(os.Stderr, "supervisor: reaped %d stale locks on shutdown\n", n)
		}
	}
	return nil
}

// monitor ticks a periodic heartbeat: log component states and sweep
// stale locks, covering the window when the scheduler itself is down.
func (s *Supervisor) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.locks != nil {
				if n := s.locks.ReapStale(); n > 0 {
					fmt.Fprintf(os.Stderr, "supervisor: reaped %d stale locks\n", n)
				}
			}
			fmt.Fprintf(os.Stderr, "supervisor: %s\n", s.statusLine())
		}
	}
}

func (s *Supervisor) statusLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.components))
	for _, c := range s.components {
		names = append(names, c.Name+"="+s.status[c.Name])
	}
	return strings.Join(names, " ")
}

// supervise restarts one component until the restart budget is spent.
func (s *Supervisor) supervise(ctx context.Context, c Component) {
	var deaths []time.Time
	for {
		s.setStatus(c.Name, "running")
		err := s.runOnce(ctx, c)
		if ctx.Err() != nil {
			s.setStatus(c.Name, "stopped")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "supervisor: %s died: %v\n", c.Name, err)
		} else {
			fmt.Fprintf(os.Stderr, "supervisor: %s exited unexpectedly\n", c.Name)
		}

		now := time.Now()
		deaths = append(deaths, now)
		recent := deaths[:0]
		for _, t := range deaths {
			if now.Sub(t) <= s.cfg.RestartWindow {
				recent = append(recent, t)
			}
		}
		deaths = recent

		if len(deaths) >= s.cfg.MaxRestarts {
			s.setStatus(c.Name, "down")
			s.notifier.Send(
				fmt.Sprintf("%s restart limit", c.Name),
				fmt.Sprintf("died %d times within %s, leaving it down",
					len(deaths), s.cfg.RestartWindow),
				notify.Options{Priority: true},
			)
			return
		}

		s.setStatus(c.Name, "restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// runOnce executes the component, converting a panic into an error so
// one bad cycle cannot take down the supervisor.
func (s *Supervisor) runOnce(ctx context.Context, c Component) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Run(ctx)
}

// Package lockreg implements per-(backend, task) PID-bearing lock files
// under <state>/locks/<backend>/<task>.lock. A lock is live iff the PID
// written in its body belongs to a running process; stale locks never
// block and are reaped opportunistically. The lock file is the
// cross-process truth — external observers (the progress writer, a
// human) identify the worker by reading it.
package lockreg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrBusy is returned by Acquire when a live lock already exists.
var ErrBusy = errors.New("lock held by live process")

// Registry manages the lock tree rooted at <state>/locks.
type Registry struct {
	root string
}

// New creates a registry over the given locks root directory.
func New(root string) *Registry {
	return &Registry{root: root}
}

func validName(s string) error {
	if s == "" || strings.Contains(s, "/") || strings.Contains(s, "..") {
		return fmt.Errorf("unsafe name %q", s)
	}
	return nil
}

func (r *Registry) path(backend, task string) string {
	return filepath.Join(r.root, backend, task+".lock")
}

// Acquire takes the (backend, task) lock for pid. Returns ErrBusy when
// a live lock exists. The write is verified with a re-read to narrow
// the check-then-write race window.
func (r *Registry) Acquire(backend, task string, pid int) error {
	if err := validName(backend); err != nil {
		return err
	}
	if err := validName(task); err != nil {
		return err
	}

	path := r.path(backend, task)
	if data, err := os.ReadFile(path); err == nil {
		if holder, ok := parsePID(data); ok && pidAlive(holder) {
			return ErrBusy
		}
		// Stale lock — fall through and overwrite.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create backend lock dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}

	// Verify: if another writer won the race our PID is gone.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("verify lock: %w", err)
	}
	if holder, ok := parsePID(data); !ok || holder != pid {
		return ErrBusy
	}
	return nil
}

// Rewrite replaces the lock body with a new PID. Used after spawn so
// the lock names the invoker subprocess rather than the scheduler.
func (r *Registry) Rewrite(backend, task string, pid int) error {
	if err := validName(backend); err != nil {
		return err
	}
	if err := validName(task); err != nil {
		return err
	}
	return os.WriteFile(r.path(backend, task), []byte(strconv.Itoa(pid)), 0600)
}

// Release removes the lock file. Idempotent.
func (r *Registry) Release(backend, task string) error {
	if err := validName(backend); err != nil {
		return err
	}
	if err := validName(task); err != nil {
		return err
	}
	err := os.Remove(r.path(backend, task))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Check reports whether a live lock exists for (backend, task).
func (r *Registry) Check(backend, task string) bool {
	_, ok := r.PIDOf(backend, task)
	return ok
}

// PIDOf returns the live holder PID for (backend, task).
func (r *Registry) PIDOf(backend, task string) (int, bool) {
	if validName(backend) != nil || validName(task) != nil {
		return 0, false
	}
	data, err := os.ReadFile(r.path(backend, task))
	if err != nil {
		return 0, false
	}
	pid, ok := parsePID(data)
	if !ok || !pidAlive(pid) {
		return 0, false
	}
	return pid, true
}

// Count returns the number of live locks held for a backend.
func (r *Registry) Count(backend string) int {
	if validName(backend) != nil {
		return 0
	}
	entries, err := os.ReadDir(filepath.Join(r.root, backend))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.root, backend, e.Name()))
		if err != nil {
			continue
		}
		if pid, ok := parsePID(data); ok && pidAlive(pid) {
			n++
		}
	}
	return n
}

// ReapStale sweeps every backend directory and removes locks whose PID
// is dead or unparseable. Returns the number removed.
func (r *Registry) ReapStale() int {
	backends, err := os.ReadDir(r.root)
	if err != nil {
		return 0
	}
	reaped := 0
	for _, b := range backends {
		if !b.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, b.Name())
		locks, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, l := range locks {
			if l.IsDir() || !strings.HasSuffix(l.Name(), ".lock") {
				continue
			}
			path := filepath.Join(dir, l.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if pid, ok := parsePID(data); ok && pidAlive(pid) {
				continue
			}
			if os.Remove(path) == nil {
				reaped++
			}
		}
	}
	return reaped
}

// HolderFor scans all backends for a live lock on task and returns the
// backend name and PID. Used by stop handling.
func (r *Registry) HolderFor(task string) (backend string, pid int, ok bool) {
	backends, err := os.ReadDir(r.root)
	if err != nil {
		return "", 0, false
	}
	for _, b := range backends {
		if !b.IsDir() {
			continue
		}
		if pid, found := r.PIDOf(b.Name(), task); found {
			return b.Name(), pid, true
		}
	}
	return "", 0, false
}

func parsePID(data []byte) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive probes the process with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

package sched

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/vaultbot/internal/state"
)

// failureSentinel is the JSON body of failures/<task>/<file>.failed.
// The counter and timestamp let future backoff decisions be made from
// the file alone; the guarantee today is only "no tight retry loop on
// the same deterministic failure".
type failureSentinel struct {
	Count     int       `json:"count"`
	LastExit  int       `json:"last_exit"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Scheduler) sentinelPath(task, file string) string {
	return filepath.Join(s.dirs.Failures(), task, file+".failed")
}

// failureSentinelSet reports whether the (task, file) pair is blocked
// by a prior deterministic failure.
func (s *Scheduler) failureSentinelSet(task, file string) bool {
	_, err := os.Stat(s.sentinelPath(task, file))
	return err == nil
}

// setFailureSentinel records a failed invocation so the same input is
// not retried until it changes or a later run succeeds.
func (s *Scheduler) setFailureSentinel(task, file string, exit int) {
	path := s.sentinelPath(task, file)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		fmt.Fprintf(os.Stderr, "sched: sentinel dir %s: %v\n", task, err)
		return
	}

	sentinel := failureSentinel{Count: 1, LastExit: exit, UpdatedAt: time.Now().UTC()}
	if data, err := os.ReadFile(path); err == nil {
		var prev failureSentinel
		if json.Unmarshal(data, &prev) == nil {
			sentinel.Count = prev.Count + 1
		}
	}

	data, err := json.MarshalIndent(sentinel, "", "  ")
	if err != nil {
		return
	}
	if err := state.WriteFileAtomic(path, data, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "sched: write sentinel %s/%s: %v\n", task, file, err)
	}
}

// clearFailureSentinel removes the sentinel after a successful run of
// the same (task, file) pair. Idempotent.
func (s *Scheduler) clearFailureSentinel(task, file string) {
	err := os.Remove(s.sentinelPath(task, file))
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "sched: clear sentinel %s/%s: %v\n", task, file, err)
	}
}

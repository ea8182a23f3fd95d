// Package queue implements the durable event queue: a single
// append-only file of pipe-separated lines with a sibling lock file for
// advisory flock coordination. Writers append one line under the lock;
// the scheduler drains by reading everything and truncating under the
// same lock, so no event is read twice.
package queue

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

// Kind enumerates the accepted event kinds.
type Kind string

const (
	FileReady          Kind = "file_ready"
	StopSignal         Kind = "stop_signal"
	HeartbeatTrigger   Kind = "heartbeat_trigger"
	ComplexityAssessed Kind = "complexity_assessed"
)

var validKinds = map[Kind]bool{
	FileReady:          true,
	StopSignal:         true,
	HeartbeatTrigger:   true,
	ComplexityAssessed: true,
}

// Event is one queued line: ISO8601|kind|task|file|metadata.
type Event struct {
	Timestamp time.Time
	Kind      Kind
	Task      string
	File      string
	Metadata  string
}

// Queue appends to and drains the on-disk event file.
type Queue struct {
	path     string
	lockPath string
}

// New creates a queue over the given file and its sibling lock file.
func New(path, lockPath string) *Queue {
	return &Queue{path: path, lockPath: lockPath}
}

// Write validates and appends one event line under the exclusive lock.
func (q *Queue) Write(kind Kind, task, file, metadata string) error {
	if !validKinds[kind] {
		return fmt.Errorf("queue: invalid event kind %q", kind)
	}
	if strings.Contains(task, "/") || strings.Contains(task, "..") {
		return fmt.Errorf("queue: unsafe task name %q", task)
	}
	if strings.ContainsAny(file, "|\n") || strings.ContainsAny(metadata, "|\n") {
		return fmt.Errorf("queue: field contains reserved character")
	}

	unlock, err := acquireLock(q.lockPath)
	if err != nil {
		return fmt.Errorf("queue: lock: %w", err)
	}
	defer unlock()

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("queue: open: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s|%s|%s|%s|%s\n",
		time.Now().UTC().Format(time.RFC3339), kind, task, file, metadata)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("queue: append: %w", err)
	}
	return f.Sync()
}

// Drain reads all pending events and truncates the file, atomically
// with respect to writers. Unparseable lines are skipped, not fatal.
func (q *Queue) Drain() ([]Event, error) {
	unlock, err := acquireLock(q.lockPath)
	if err != nil {
		return nil, fmt.Errorf("queue: lock: %w", err)
	}
	defer unlock()

	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: open: %w", err)
	}

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		ev, ok := parseLine(sc.Text())
		if ok {
			events = append(events, ev)
		}
	}
	scanErr := sc.Err()
	f.Close()
	if scanErr != nil {
		return nil, fmt.Errorf("queue: scan: %w", scanErr)
	}

	if err := os.Truncate(q.path, 0); err != nil {
		return nil, fmt.Errorf("queue: truncate: %w", err)
	}
	return events, nil
}

func parseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}
	parts := strings.SplitN(line, "|", 5)
	if len(parts) < 4 {
		return Event{}, false
	}
	kind := Kind(parts[1])
	if !validKinds[kind] {
		return Event{}, false
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Event{}, false
	}
	ev := Event{
		Timestamp: ts,
		Kind:      kind,
		Task:      parts[2],
		File:      parts[3],
	}
	if len(parts) == 5 {
		ev.Metadata = parts[4]
	}
	return ev, true
}

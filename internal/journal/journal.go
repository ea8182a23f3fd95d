// Package journal records invocation lifecycles three ways: an
// append-only journal.log of START/END lines keyed by (task, pid),
// per-invocation JSON records under audit/<task>/, and daily usage
// counters under usage/. The journal line format is part of the
// external interface — recovery tooling greps it.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// timeFormat is the journal line timestamp layout.
const timeFormat = "2006-01-02T15:04:05Z07:00"

// Journal appends lifecycle lines to journal.log.
type Journal struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// Open opens (or creates) the journal for appending.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return &Journal{path: path, file: file}, nil
}

// Start records the beginning of an invocation.
func (j *Journal) Start(task, file, backend string, pid int, session string) error {
	line := fmt.Sprintf("%s START %s %s %s pid=%d",
		time.Now().UTC().Format(timeFormat), task, file, backend, pid)
	if session != "" {
		line += " session=" + session
	}
	return j.append(line)
}

// End records the completion of an invocation.
func (j *Journal) End(task, file, backend string, pid, exit, turns int) error {
	line := fmt.Sprintf("%s END %s %s %s pid=%d exit=%d turns=%d",
		time.Now().UTC().Format(timeFormat), task, file, backend, pid, exit, turns)
	return j.append(line)
}

func (j *Journal) append(line string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return j.file.Sync()
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// CheckIncomplete reads the whole journal and returns the tasks whose
// START has no matching END, keyed by (task, pid). An operator signal
// on startup, not a recovery trigger.
func (j *Journal) CheckIncomplete() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open for read: %w", err)
	}
	defer f.Close()

	open := map[string]string{} // "task/pid" → task
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// <time> START|END <task> <file> <backend> pid=<N> ...
		if len(fields) < 6 {
			continue
		}
		var pid string
		for _, f := range fields[5:] {
			if strings.HasPrefix(f, "pid=") {
				pid = strings.TrimPrefix(f, "pid=")
				break
			}
		}
		if pid == "" {
			continue
		}
		key := fields[2] + "/" + pid
		switch fields[1] {
		case "START":
			open[key] = fields[2]
		case "END":
			delete(open, key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}

	seen := map[string]bool{}
	var tasks []string
	for _, task := range open {
		if !seen[task] {
			seen[task] = true
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// Package watcher detects turn-file changes in the vault and emits
// queue events. Two strategies run concurrently: fsnotify events
// debounced with a settle delay (cloud-synced directories write in
// bursts), and a polling sweep that catches anything fsnotify missed
// and the stability-timeout readiness fallback.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/queue"
	"github.com/ppiankov/vaultbot/internal/turn"
)

// Watcher scans the vault and forwards readiness transitions to the
// event queue.
type Watcher struct {
	vault     string
	q         *queue.Queue
	settle    time.Duration
	poll      time.Duration
	stability time.Duration

	mu      sync.Mutex
	pending map[string]bool // task names awaiting evaluation
}

// New creates a watcher over the vault root.
func New(vault string, q *queue.Queue, settle, poll, stability time.Duration) *Watcher {
	return &Watcher{
		vault:     vault,
		q:         q,
		settle:    settle,
		poll:      poll,
		stability: stability,
		pending:   map[string]bool{},
	}
}

// Run blocks until ctx is cancelled. An initial full sweep picks up
// files that changed while the daemon was down.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: fsnotify: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(w.vault); err != nil {
		return fmt.Errorf("watcher: add vault: %w", err)
	}
	for _, task := range w.taskDirs() {
		_ = fsw.Add(filepath.Join(w.vault, task))
	}

	w.sweep()

	// Single settle timer — reset on each event, flushed as a batch.
	settleTimer := time.NewTimer(w.settle)
	settleTimer.Stop()
	defer settleTimer.Stop()

	pollTicker := time.NewTicker(w.poll)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-settleTimer.C:
			w.flush()

		case <-pollTicker.C:
			w.sweep()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if task, isDir := w.classifyEvent(event); task != "" {
				if isDir {
					_ = fsw.Add(filepath.Join(w.vault, task))
				}
				w.mu.Lock()
				w.pending[task] = true
				w.mu.Unlock()

				if !settleTimer.Stop() {
					select {
					case <-settleTimer.C:
					default:
					}
				}
				settleTimer.Reset(w.settle)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watcher: fsnotify: %v\n", err)
		}
	}
}

// classifyEvent maps an fsnotify event to a task name, or "" to skip.
// isDir marks a freshly created task directory that needs a watch.
func (w *Watcher) classifyEvent(event fsnotify.Event) (task string, isDir bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return "", false
	}

	rel, err := filepath.Rel(w.vault, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))

	// A new directory directly under the vault is a new task.
	if len(parts) == 1 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if config.ValidTaskName(parts[0]) {
				return parts[0], true
			}
		}
		// Files directly under the vault root are not turns.
		return "", false
	}
	if len(parts) != 2 {
		return "", false
	}

	dir, file := parts[0], parts[1]
	if strings.HasPrefix(dir, ".") || !config.ValidTaskName(dir) {
		return "", false
	}
	if file == "_status.md" || !strings.HasSuffix(file, ".md") {
		return "", false
	}
	return dir, false
}

// flush evaluates all pending tasks collected during the settle window.
func (w *Watcher) flush() {
	w.mu.Lock()
	batch := make([]string, 0, len(w.pending))
	for t := range w.pending {
		batch = append(batch, t)
	}
	w.pending = map[string]bool{}
	w.mu.Unlock()

	for _, task := range batch {
		w.evaluate(task)
	}
}

// sweep evaluates every task directory. The polling fallback and the
// startup catch-up both come through here.
func (w *Watcher) sweep() {
	for _, task := range w.taskDirs() {
		w.evaluate(task)
	}
}

func (w *Watcher) taskDirs() []string {
	entries, err := os.ReadDir(w.vault)
	if err != nil {
		return nil
	}
	var tasks []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if config.ValidTaskName(e.Name()) {
			tasks = append(tasks, e.Name())
		}
	}
	return tasks
}

// evaluate classifies the latest turn of a task and enqueues the
// matching event. Backend-authored files awaiting the user produce
// nothing.
func (w *Watcher) evaluate(task string) {
	dir := filepath.Join(w.vault, task)
	latest, ok, err := turn.LatestFile(dir)
	if err != nil || !ok {
		return
	}

	if stop, _ := turn.DetectStop(dir, latest); stop {
		if err := w.q.Write(queue.StopSignal, task, latest, ""); err != nil {
			fmt.Fprintf(os.Stderr, "watcher: queue stop %s: %v\n", task, err)
		}
		return
	}

	kind, err := turn.Classify(dir, latest)
	if err != nil || kind == turn.Backend {
		return
	}

	ready, err := turn.IsReady(dir, latest, w.stability)
	if err != nil || !ready {
		return
	}
	if err := w.q.Write(queue.FileReady, task, latest, ""); err != nil {
		fmt.Fprintf(os.Stderr, "watcher: queue ready %s/%s: %v\n", task, latest, err)
	}
}

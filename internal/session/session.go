// Package session persists per-task backend session identifiers under
// <state>/sessions/<task>.session. A fresh file (≤24h) lets the next
// invocation resume the conversation; stop handling invalidates the
// file in place so recovery tooling can still see what was abandoned.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TTL is how long a stored session id stays reusable.
const TTL = 24 * time.Hour

// invalidated is the JSON body written over a session on stop.
type invalidated struct {
	SessionID   string    `json:"session_id"`
	Invalidated bool      `json:"invalidated"`
	At          time.Time `json:"at"`
}

// Store reads and writes session files for tasks.
type Store struct {
	dir string
}

// New creates a store over the sessions directory.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(task string) string {
	return filepath.Join(s.dir, task+".session")
}

// Get returns a fresh, non-invalidated session id for the task.
// Files older than TTL are purged on the spot.
func (s *Store) Get(task string) (string, bool) {
	path := s.path(task)
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if time.Since(info.ModTime()) > TTL {
		_ = os.Remove(path)
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	body := strings.TrimSpace(string(data))
	if body == "" {
		return "", false
	}
	if strings.HasPrefix(body, "{") {
		var inv invalidated
		if json.Unmarshal([]byte(body), &inv) == nil && inv.Invalidated {
			return "", false
		}
		return "", false
	}
	return body, true
}

// Put stores the session id for the task.
func (s *Store) Put(task, id string) error {
	if id == "" {
		return fmt.Errorf("session: empty id for task %s", task)
	}
	tmp := s.path(task) + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0600); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if err := os.Rename(tmp, s.path(task)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session: rename: %w", err)
	}
	return nil
}

// Invalidated reports whether the task's session file holds a stop
// tombstone. A missing or plain session file is not invalidated.
func (s *Store) Invalidated(task string) bool {
	data, err := os.ReadFile(s.path(task))
	if err != nil {
		return false
	}
	var inv invalidated
	if json.Unmarshal(data, &inv) != nil {
		return false
	}
	return inv.Invalidated
}

// Invalidate writes a stop tombstone over the task's session file.
// With no live session the tombstone is still written, so repeated
// stop signals for the same task can be recognized and skipped.
func (s *Store) Invalidate(task string) error {
	id, _ := s.Get(task)
	body, err := json.Marshal(invalidated{
		SessionID:   id,
		Invalidated: true,
		At:          time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	tmp := s.path(task) + ".tmp"
	if err := os.WriteFile(tmp, body, 0600); err != nil {
		return fmt.Errorf("session: invalidate: %w", err)
	}
	if err := os.Rename(tmp, s.path(task)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session: invalidate rename: %w", err)
	}
	return nil
}

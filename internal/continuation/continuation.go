// Package continuation tracks in-flight multi-round conversations: an
// invocation that burned its whole turn budget gets auto-resumed on the
// same session until the user edits, a stop appears, or the round
// limit is hit.
package continuation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/vaultbot/internal/state"
)

// MaxRounds caps auto-continuations per task. Hard-coded; making it
// per-task configurable is an open question upstream.
const MaxRounds = 5

// Record is the per-task continuation file body.
type Record struct {
	Task      string    `json:"task"`
	SessionID string    `json:"session_id"`
	TurnsUsed int       `json:"turns_used"`
	MaxTurns  int       `json:"max_turns"`
	File      string    `json:"file"`
	Count     int       `json:"continuation_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes continuation records.
type Store struct {
	dir string
}

// New creates a store over the continuations directory.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(task string) string {
	return filepath.Join(s.dir, task+".json")
}

// Mark records (or extends) a continuation, incrementing the round
// counter each time.
func (s *Store) Mark(task, sessionID string, turns, maxTurns int, file string) error {
	rec, _ := s.Get(task)
	rec.Task = task
	rec.SessionID = sessionID
	rec.TurnsUsed = turns
	rec.MaxTurns = maxTurns
	rec.File = file
	rec.Count++
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("continuation: marshal: %w", err)
	}
	return state.WriteFileAtomic(s.path(task), data, 0600)
}

// Clear removes the continuation record. Idempotent.
func (s *Store) Clear(task string) error {
	err := os.Remove(s.path(task))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Get returns the continuation record for a task.
func (s *Store) Get(task string) (Record, bool) {
	data, err := os.ReadFile(s.path(task))
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if json.Unmarshal(data, &rec) != nil {
		return Record{}, false
	}
	return rec, true
}

// SessionID returns the tracked session for a task.
func (s *Store) SessionID(task string) (string, bool) {
	rec, ok := s.Get(task)
	if !ok || rec.SessionID == "" {
		return "", false
	}
	return rec.SessionID, true
}

// TurnsUsed returns the turns burned in the last round.
func (s *Store) TurnsUsed(task string) int {
	rec, _ := s.Get(task)
	return rec.TurnsUsed
}

// ShouldContinue reports whether another auto-resume round is allowed.
func (s *Store) ShouldContinue(task string) bool {
	rec, ok := s.Get(task)
	if !ok {
		return true
	}
	return rec.Count < MaxRounds
}

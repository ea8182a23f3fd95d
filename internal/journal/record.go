package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/vaultbot/internal/state"
)

// Record is the per-invocation audit document written under
// audit/<task>/<timestamp>.json.
type Record struct {
	Task          string    `json:"task"`
	File          string    `json:"file"`
	Backend       string    `json:"backend"`
	SessionID     string    `json:"session_id,omitempty"`
	Turns         int       `json:"turns"`
	ExitCode      int       `json:"exit_code"`
	Interrupted   bool      `json:"interrupted"`
	Timestamp     time.Time `json:"timestamp"`
	StderrExcerpt string    `json:"stderr_excerpt,omitempty"`
}

// WriteRecord persists one audit record atomically. The filename is the
// record timestamp so records within a task sort chronologically.
func WriteRecord(auditRoot string, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	dir := filepath.Join(auditRoot, rec.Task)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("audit: create task dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	name := rec.Timestamp.UTC().Format("20060102T150405.000000000") + ".json"
	return state.WriteFileAtomic(filepath.Join(dir, name), data, 0600)
}

// ReadRecords returns all audit records for a task, oldest first.
func ReadRecords(auditRoot, task string) ([]Record, error) {
	dir := filepath.Join(auditRoot, task)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if json.Unmarshal(data, &rec) == nil {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

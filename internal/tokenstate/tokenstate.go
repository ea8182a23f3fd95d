// Package tokenstate persists per-backend rate-limit exhaustion with a
// reset deadline in <state>/token-state.json. Mutations rewrite the
// whole file via temp-then-rename; reads are unlocked — the file is
// tiny and writers are serialized by the scheduler.
package tokenstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// minReset is the floor applied to zero, negative, or unparseable
// reset hints.
const minReset = 60 * time.Second

// epochThreshold separates relative-seconds reset values from absolute
// epoch seconds. Anything below a million is read as a duration.
const epochThreshold = 1_000_000

// fileFormat matches the on-disk JSON shape:
// {"exhausted":{backend:bool}, "reset_time":{backend:ISO8601}}.
type fileFormat struct {
	Exhausted map[string]bool   `json:"exhausted"`
	ResetTime map[string]string `json:"reset_time"`
}

// Store reads and writes the token state file.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a store over the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// MarkExhausted flags a backend as rate-limited until resetAt.
func (s *Store) MarkExhausted(backend string, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ff := s.read()
	ff.Exhausted[backend] = true
	ff.ResetTime[backend] = resetAt.UTC().Format(time.RFC3339)
	return s.write(ff)
}

// Clear removes the exhaustion flag for a backend. Idempotent.
func (s *Store) Clear(backend string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ff := s.read()
	delete(ff.Exhausted, backend)
	delete(ff.ResetTime, backend)
	return s.write(ff)
}

// IsExhausted reports whether backend is flagged and its reset deadline
// has not yet passed.
func (s *Store) IsExhausted(backend string) bool {
	reset, ok := s.ResetAt(backend)
	return ok && time.Now().Before(reset)
}

// ResetAt returns the reset deadline for a flagged backend.
func (s *Store) ResetAt(backend string) (time.Time, bool) {
	s.mu.Lock()
	ff := s.read()
	s.mu.Unlock()

	if !ff.Exhausted[backend] {
		return time.Time{}, false
	}
	raw, ok := ff.ResetTime[backend]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Store) read() fileFormat {
	ff := fileFormat{
		Exhausted: map[string]bool{},
		ResetTime: map[string]string{},
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ff
	}
	_ = json.Unmarshal(data, &ff)
	if ff.Exhausted == nil {
		ff.Exhausted = map[string]bool{}
	}
	if ff.ResetTime == nil {
		ff.ResetTime = map[string]string{}
	}
	return ff
}

func (s *Store) write(ff fileFormat) error {
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstate: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("tokenstate: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("tokenstate: rename: %w", err)
	}
	return nil
}

// ParseReset turns a backend reset hint into an absolute deadline.
// Accepted forms: "+N" (relative seconds), bare digits (relative
// seconds below epochThreshold, epoch seconds above), and "HH:MM"
// (next occurrence of that clock time). Zero, negative, and
// unparseable values clamp to now+60s. The chosen reading is logged
// because the unit is inferred, not declared.
func ParseReset(raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "+") {
		if n, err := strconv.ParseInt(raw[1:], 10, 64); err == nil {
			d := time.Duration(n) * time.Second
			if d <= 0 {
				d = minReset
			}
			slog.Info("token reset parsed", "raw", raw, "reading", "relative seconds", "reset_in", d)
			return now.Add(d)
		}
	}

	if hh, mm, ok := parseClock(raw); ok {
		reset := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
		if !reset.After(now) {
			reset = reset.Add(24 * time.Hour)
		}
		slog.Info("token reset parsed", "raw", raw, "reading", "clock time", "reset_at", reset)
		return reset
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n >= epochThreshold {
			reset := time.Unix(n, 0)
			if reset.After(now) {
				slog.Info("token reset parsed", "raw", raw, "reading", "epoch seconds", "reset_at", reset)
				return reset
			}
		} else if n > 0 {
			d := time.Duration(n) * time.Second
			slog.Info("token reset parsed", "raw", raw, "reading", "relative seconds", "reset_in", d)
			return now.Add(d)
		}
	}

	slog.Info("token reset parsed", "raw", raw, "reading", "fallback", "reset_in", minReset)
	return now.Add(minReset)
}

func parseClock(s string) (hh, mm int, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, false
	}
	return hh, mm, true
}

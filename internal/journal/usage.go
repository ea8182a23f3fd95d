package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ppiankov/vaultbot/internal/state"
)

// BackendUsage is one backend's counters within a daily usage file.
type BackendUsage struct {
	TotalTurns int      `json:"total_turns"`
	TaskCount  int      `json:"task_count"`
	Tasks      []string `json:"tasks"`
}

// usageMu serializes read-modify-rewrite cycles within the process.
// Cross-process writers are already serialized by the scheduler.
var usageMu sync.Mutex

// UpdateUsage folds one completed invocation into today's usage file
// usage/<YYYY-MM-DD>.json via read-modify-rewrite-then-rename.
func UpdateUsage(usageDir, backend string, turns int, task string) error {
	usageMu.Lock()
	defer usageMu.Unlock()

	path := usagePath(usageDir, time.Now())
	counters, err := readUsage(path)
	if err != nil {
		return err
	}

	bu := counters[backend]
	bu.TotalTurns += turns
	if !slices.Contains(bu.Tasks, task) {
		bu.Tasks = append(bu.Tasks, task)
	}
	bu.TaskCount = len(bu.Tasks)
	counters[backend] = bu

	data, err := json.MarshalIndent(counters, "", "  ")
	if err != nil {
		return fmt.Errorf("usage: marshal: %w", err)
	}
	return state.WriteFileAtomic(path, data, 0600)
}

// ReadUsage returns the counters for a given day.
func ReadUsage(usageDir string, day time.Time) (map[string]BackendUsage, error) {
	return readUsage(usagePath(usageDir, day))
}

func usagePath(usageDir string, day time.Time) string {
	return filepath.Join(usageDir, day.UTC().Format("2006-01-02")+".json")
}

func readUsage(path string) (map[string]BackendUsage, error) {
	counters := map[string]BackendUsage{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return counters, nil
		}
		return nil, fmt.Errorf("usage: read: %w", err)
	}
	if err := json.Unmarshal(data, &counters); err != nil {
		return nil, fmt.Errorf("usage: parse %s: %w", path, err)
	}
	return counters, nil
}

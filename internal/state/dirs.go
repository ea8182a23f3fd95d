// Package state defines the vaultbot runtime state directory layout and
// the filesystem primitives shared by every store: atomic writes and
// cross-device-safe moves. All durable state lives under a single root
// (default ~/.claude-task-system) so external tools — the progress
// writer, recovery scripts, a human with grep — can inspect it.
package state

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// dirPerm is the permission for daemon-managed directories.
const dirPerm = 0750

// DefaultRoot returns the default state root under the user's home.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude-task-system"
	}
	return filepath.Join(home, ".claude-task-system")
}

// Dirs resolves paths inside the state root.
type Dirs struct {
	Root string
}

// Locks returns the lock registry root.
func (d Dirs) Locks() string { return filepath.Join(d.Root, "locks") }

// Events returns the event queue directory.
func (d Dirs) Events() string { return filepath.Join(d.Root, "events") }

// QueueFile returns the append-only event queue file.
func (d Dirs) QueueFile() string { return filepath.Join(d.Events(), "queue") }

// QueueLock returns the advisory lock file for the event queue.
func (d Dirs) QueueLock() string { return filepath.Join(d.Events(), "queue.lock") }

// Sessions returns the per-task session file directory.
func (d Dirs) Sessions() string { return filepath.Join(d.Root, "sessions") }

// Continuations returns the continuation record directory.
func (d Dirs) Continuations() string { return filepath.Join(d.Root, "continuations") }

// Audit returns the per-invocation audit record root.
func (d Dirs) Audit() string { return filepath.Join(d.Root, "audit") }

// Usage returns the daily usage counter directory.
func (d Dirs) Usage() string { return filepath.Join(d.Root, "usage") }

// Partial returns the rescued partial response directory.
func (d Dirs) Partial() string { return filepath.Join(d.Root, "partial") }

// Failures returns the failure sentinel root.
func (d Dirs) Failures() string { return filepath.Join(d.Root, "failures") }

// Logs returns the backend stderr log directory.
func (d Dirs) Logs() string { return filepath.Join(d.Root, "logs") }

// Complexity returns the per-task complexity cache directory.
func (d Dirs) Complexity() string { return filepath.Join(d.Root, "complexity") }

// TokenStateFile returns the backend exhaustion state file.
func (d Dirs) TokenStateFile() string { return filepath.Join(d.Root, "token-state.json") }

// JournalFile returns the append-only START/END journal.
func (d Dirs) JournalFile() string { return filepath.Join(d.Root, "journal.log") }

// EnsureDirs creates all required state directories. Idempotent.
func EnsureDirs(d Dirs) error {
	dirs := []string{
		d.Root,
		d.Locks(),
		d.Events(),
		d.Sessions(),
		d.Continuations(),
		d.Audit(),
		d.Usage(),
		d.Partial(),
		d.Failures(),
		d.Logs(),
		d.Complexity(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteFileAtomic writes data to path via a sibling tempfile and rename,
// so readers never observe a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// MoveFile moves src to dst using os.Rename. If rename fails with EXDEV
// (cross-device link, common with systemd ReadWritePaths bind mounts and
// cloud-sync mounts), it falls back to copy + remove.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) || errno != syscall.EXDEV {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies src to dst preserving permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

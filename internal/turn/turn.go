// Package turn classifies markdown turn files inside a task directory.
// A task is a numbered sequence NNN_<task>.md alternating user and
// backend authorship; authorship and readiness are encoded entirely in
// file contents plus mtime, so everything here is a pure read.
package turn

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ResponseHeader is the first line of every backend-authored file.
const ResponseHeader = "<!-- CLAUDE-RESPONSE -->"

// Kind is the authorship classification of a turn file.
type Kind int

const (
	// User is a user-authored message awaiting dispatch.
	User Kind = iota
	// Backend is a backend response still holding its untouched
	// "# <User>" placeholder — the conversation is waiting on the user.
	Backend
	// Edited is a backend response whose placeholder the user changed
	// or removed; semantically a user message.
	Edited
)

func (k Kind) String() string {
	switch k {
	case User:
		return "user"
	case Backend:
		return "backend"
	case Edited:
		return "edited"
	default:
		return "unknown"
	}
}

var (
	prefixRE      = regexp.MustCompile(`^(\d+)_`)
	placeholderRE = regexp.MustCompile(`^\s*#\s*<User>\s*$`)
	readyRE       = regexp.MustCompile(`^\s*<User>\s*$`)
	stopRE        = regexp.MustCompile(`^\s*<Stop>\s*$`)
	complexityRE  = regexp.MustCompile(`<!--\s*complexity:\s*([123])\s*-->`)
)

// LatestFile returns the .md file with the highest numeric prefix in
// taskDir. Ties and ordering are numeric, not lexical, so 100_ sorts
// after 099_. Returns ok=false for an empty or prefix-less directory.
func LatestFile(taskDir string) (string, bool, error) {
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return "", false, err
	}

	best := ""
	bestN := -1
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		m := prefixRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > bestN {
			bestN = n
			best = e.Name()
		}
	}
	if bestN < 0 {
		return "", false, nil
	}
	return best, true, nil
}

// Classify reads the file and reports its authorship.
func Classify(taskDir, filename string) (Kind, error) {
	lines, err := readLines(filepath.Join(taskDir, filename))
	if err != nil {
		return User, err
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != ResponseHeader {
		return User, nil
	}
	for _, line := range lines[1:] {
		if placeholderRE.MatchString(line) {
			return Backend, nil
		}
	}
	return Edited, nil
}

// IsReady reports whether the file should be dispatched: either a line
// holding the bare "<User>" sentinel (no leading #), or the file has
// been unchanged for at least stability. The stability fallback covers
// users who never type the sentinel.
func IsReady(taskDir, filename string, stability time.Duration) (bool, error) {
	path := filepath.Join(taskDir, filename)
	lines, err := readLines(path)
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if readyRE.MatchString(line) {
			return true, nil
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) >= stability, nil
}

// DetectStop reports whether a line holds the bare "<Stop>" sentinel.
func DetectStop(taskDir, filename string) (bool, error) {
	lines, err := readLines(filepath.Join(taskDir, filename))
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if stopRE.MatchString(line) {
			return true, nil
		}
	}
	return false, nil
}

// NextFilename returns the successor turn filename: the numeric prefix
// incremented and zero-padded to at least 3 digits. Past 999 the prefix
// keeps widening unpadded.
func NextFilename(current, task string) (string, error) {
	m := prefixRE.FindStringSubmatch(current)
	if m == nil {
		return "", fmt.Errorf("no numeric prefix in %q", current)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "", fmt.Errorf("bad numeric prefix in %q: %w", current, err)
	}
	return fmt.Sprintf("%03d_%s.md", n+1, task), nil
}

// Complexity extracts the routing complexity from an HTML comment
// "<!-- complexity: N -->" anywhere in the file.
func Complexity(taskDir, filename string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(taskDir, filename))
	if err != nil {
		return 0, false
	}
	m := complexityRE.FindSubmatch(data)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, false
	}
	return n, true
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

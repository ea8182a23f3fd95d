// Package registry enumerates the configured LLM backends and routes
// invocations by complexity: 1 runs local-only, 3 hosted-only, 2 prefers
// local with hosted overflow. A backend is unavailable when it is
// rate-limit exhausted or all its parallel slots hold live locks.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/lockreg"
	"github.com/ppiankov/vaultbot/internal/tokenstate"
	"github.com/ppiankov/vaultbot/internal/turn"
)

// ErrQueued means no backend can take the invocation right now; the
// caller should park the event and retry later.
var ErrQueued = errors.New("no backend available, queue for retry")

// Registry is the immutable backend table plus its live dependencies.
type Registry struct {
	backends map[string]config.Backend
	locks    *lockreg.Registry
	tokens   *tokenstate.Store

	complexityDir     string
	defaultComplexity int
}

// New builds a registry. The backend table is not mutated after this.
func New(backends map[string]config.Backend, locks *lockreg.Registry, tokens *tokenstate.Store, complexityDir string, defaultComplexity int) *Registry {
	if defaultComplexity < 1 || defaultComplexity > 3 {
		defaultComplexity = 3
	}
	return &Registry{
		backends:          backends,
		locks:             locks,
		tokens:            tokens,
		complexityDir:     complexityDir,
		defaultComplexity: defaultComplexity,
	}
}

// List returns backend names in stable order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the backend entry by name.
func (r *Registry) Get(name string) (config.Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// SlotsAvailable returns max_parallel minus live locks, floored at 0.
func (r *Registry) SlotsAvailable(name string) int {
	b, ok := r.backends[name]
	if !ok {
		return 0
	}
	free := b.MaxParallel - r.locks.Count(name)
	if free < 0 {
		return 0
	}
	return free
}

// IsExhausted reports the backend's rate-limit state.
func (r *Registry) IsExhausted(name string) bool {
	return r.tokens.IsExhausted(name)
}

// available means not exhausted and at least one free slot.
func (r *Registry) available(name string) bool {
	return !r.IsExhausted(name) && r.SlotsAvailable(name) > 0
}

// Route picks a backend for the given complexity:
//
//	1 → local only
//	2 → local preferred, hosted overflow when local is busy or exhausted
//	3 → hosted only
//
// Returns ErrQueued when every eligible backend is unavailable.
func (r *Registry) Route(complexity int) (string, error) {
	switch complexity {
	case 1:
		if name, ok := r.firstAvailable(config.KindLocal); ok {
			return name, nil
		}
		return "", ErrQueued
	case 2:
		if name, ok := r.firstAvailable(config.KindLocal); ok {
			return name, nil
		}
		if name, ok := r.firstAvailable(config.KindAPI); ok {
			return name, nil
		}
		return "", ErrQueued
	case 3:
		if name, ok := r.firstAvailable(config.KindAPI); ok {
			return name, nil
		}
		return "", ErrQueued
	default:
		return "", fmt.Errorf("invalid complexity %d", complexity)
	}
}

func (r *Registry) firstAvailable(kind config.BackendKind) (string, bool) {
	for _, name := range r.List() {
		if r.backends[name].Kind == kind && r.available(name) {
			return name, true
		}
	}
	return "", false
}

// ResolveComplexity determines the routing complexity for an input file:
// an HTML comment in the file wins, then the cached per-task value, then
// the configured default. The resolved value is cached back so later
// turns of the same task keep their routing without re-annotating.
func (r *Registry) ResolveComplexity(task, taskDir, filename string) int {
	if n, ok := turn.Complexity(taskDir, filename); ok {
		r.cacheComplexity(task, n)
		return n
	}
	if n, ok := r.cachedComplexity(task); ok {
		return n
	}
	r.cacheComplexity(task, r.defaultComplexity)
	return r.defaultComplexity
}

func (r *Registry) cachePath(task string) string {
	return filepath.Join(r.complexityDir, task)
}

func (r *Registry) cachedComplexity(task string) (int, bool) {
	if strings.Contains(task, "/") || strings.Contains(task, "..") {
		return 0, false
	}
	data, err := os.ReadFile(r.cachePath(task))
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 1 || n > 3 {
		return 0, false
	}
	return n, true
}

func (r *Registry) cacheComplexity(task string, n int) {
	if strings.Contains(task, "/") || strings.Contains(task, "..") {
		return
	}
	_ = os.WriteFile(r.cachePath(task), []byte(strconv.Itoa(n)+"\n"), 0600)
}

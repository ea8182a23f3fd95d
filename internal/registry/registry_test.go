package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/lockreg"
	"github.com/ppiankov/vaultbot/internal/tokenstate"
)

func newTestRegistry(t *testing.T) (*Registry, *lockreg.Registry, *tokenstate.Store) {
	t.Helper()
	root := t.TempDir()
	locks := lockreg.New(filepath.Join(root, "locks"))
	tokens := tokenstate.New(filepath.Join(root, "token-state.json"))
	complexityDir := filepath.Join(root, "complexity")
	if err := os.MkdirAll(complexityDir, 0750); err != nil {
		t.Fatal(err)
	}

	backends := map[string]config.Backend{
		"claude": {Name: "claude", Kind: config.KindAPI, Command: "claude", MaxParallel: 2},
		"ollama": {Name: "ollama", Kind: config.KindLocal, Command: "ollama", MaxParallel: 1},
	}
	return New(backends, locks, tokens, complexityDir, 3), locks, tokens
}

func TestRouteByComplexity(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	tests := []struct {
		complexity int
		want       string
	}{
		{1, "ollama"},
		{2, "ollama"},
		{3, "claude"},
	}
	for _, tt := range tests {
		got, err := r.Route(tt.complexity)
		if err != nil {
			t.Fatalf("Route(%d): %v", tt.complexity, err)
		}
		if got != tt.want {
			t.Fatalf("Route(%d) = %q, want %q", tt.complexity, got, tt.want)
		}
	}

	if _, err := r.Route(7); err == nil {
		t.Fatal("expected error for out-of-range complexity")
	}
}

func TestRouteOverflowToHosted(t *testing.T) {
	r, locks, _ := newTestRegistry(t)

	// Fill ollama's single slot.
	if err := locks.Acquire("ollama", "busy-task", os.Getpid()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := r.Route(1); err != ErrQueued {
		t.Fatalf("Route(1) with local busy = %v, want ErrQueued", err)
	}
	got, err := r.Route(2)
	if err != nil || got != "claude" {
		t.Fatalf("Route(2) = %q err=%v, want claude overflow", got, err)
	}
}

func TestRouteExhaustedQueues(t *testing.T) {
	r, _, tokens := newTestRegistry(t)

	if err := tokens.MarkExhausted("claude", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := r.Route(3); err != ErrQueued {
		t.Fatalf("Route(3) exhausted = %v, want ErrQueued", err)
	}
	// Complexity 2 still routes local.
	got, err := r.Route(2)
	if err != nil || got != "ollama" {
		t.Fatalf("Route(2) = %q err=%v", got, err)
	}
}

func TestSlotsAvailable(t *testing.T) {
	r, locks, _ := newTestRegistry(t)

	if n := r.SlotsAvailable("claude"); n != 2 {
		t.Fatalf("SlotsAvailable = %d, want 2", n)
	}
	_ = locks.Acquire("claude", "one", os.Getpid())
	if n := r.SlotsAvailable("claude"); n != 1 {
		t.Fatalf("SlotsAvailable = %d, want 1", n)
	}
	if n := r.SlotsAvailable("unknown"); n != 0 {
		t.Fatalf("SlotsAvailable(unknown) = %d, want 0", n)
	}
}

func TestResolveComplexity(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	taskDir := t.TempDir()

	// No annotation, no cache: default, and the default gets cached.
	if n := r.ResolveComplexity("blog", taskDir, "001_blog.md"); n != 3 {
		t.Fatalf("default complexity = %d, want 3", n)
	}
	if n, ok := r.cachedComplexity("blog"); !ok || n != 3 {
		t.Fatalf("default not cached: %d ok=%v", n, ok)
	}

	// An annotation wins and updates the cache.
	file := filepath.Join(taskDir, "002_blog.md")
	if err := os.WriteFile(file, []byte("quick one\n<!-- complexity: 1 -->\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if n := r.ResolveComplexity("blog", taskDir, "002_blog.md"); n != 1 {
		t.Fatalf("annotated complexity = %d, want 1", n)
	}

	// Later un-annotated turns inherit the cached value.
	if n := r.ResolveComplexity("blog", taskDir, "003_blog.md"); n != 1 {
		t.Fatalf("cached complexity = %d, want 1", n)
	}
}

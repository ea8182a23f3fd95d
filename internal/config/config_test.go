package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidTaskName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"blog-draft", true},
		{"a1", true},
		{"x-y-z", true},
		{"a", false},            // too short for the shape
		{"-leading", false},
		{"trailing-", false},
		{"Upper", false},
		{"with/slash", false},
		{"..", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidTaskName(tt.name); got != tt.want {
			t.Errorf("ValidTaskName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VAULT_TASKS_DIR", t.TempDir())
	t.Setenv("STATE_DIR", t.TempDir())

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != 30*time.Second || cfg.SchedulerCycle != 2*time.Second {
		t.Fatalf("unexpected intervals: %+v", cfg)
	}
	if cfg.DefaultMaxTurns != 10 || cfg.DefaultComplexity != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("expected built-in backend table, got %v", cfg.Backends)
	}
	if cfg.Backends["claude"].Kind != KindAPI || cfg.Backends["ollama"].Kind != KindLocal {
		t.Fatalf("unexpected backend kinds: %+v", cfg.Backends)
	}
}

func TestLoadRequiresVaultDir(t *testing.T) {
	t.Setenv("VAULT_TASKS_DIR", "")
	t.Setenv("STATE_DIR", t.TempDir())
	if _, err := Load("", ""); err == nil {
		t.Fatal("expected error without VAULT_TASKS_DIR")
	}
}

func TestEnvBackendOverlay(t *testing.T) {
	t.Setenv("VAULT_TASKS_DIR", t.TempDir())
	t.Setenv("STATE_DIR", t.TempDir())
	t.Setenv("LLM_CLAUDE_MAX_PARALLEL", "4")
	t.Setenv("LLM_CLAUDE_TYPE", "api")
	t.Setenv("LLM_CLAUDE_COMMAND", "claude")
	t.Setenv("LLM_MISTRAL_TYPE", "local")
	t.Setenv("LLM_MISTRAL_COMMAND", "ollama")
	t.Setenv("LLM_MISTRAL_MODEL", "mistral:7b")
	t.Setenv("LLM_MISTRAL_MAX_PARALLEL", "1")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backends["claude"].MaxParallel != 4 {
		t.Fatalf("claude max_parallel = %d, want 4", cfg.Backends["claude"].MaxParallel)
	}
	m, ok := cfg.Backends["mistral"]
	if !ok || m.Kind != KindLocal || m.Model != "mistral:7b" {
		t.Fatalf("mistral backend not built from env: %+v", m)
	}
}

func TestBackendsFileMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	body := `backends:
  - name: scripted
    type: api
    invoker: /usr/local/bin/llm-adapter
    max_parallel: 2
webhook:
  url: https://ntfy.example/vault
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VAULT_TASKS_DIR", t.TempDir())
	t.Setenv("STATE_DIR", t.TempDir())
	t.Setenv("NOTIFY_WEBHOOK_URL", "")

	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, ok := cfg.Backends["scripted"]
	if !ok || b.Invoker != "/usr/local/bin/llm-adapter" {
		t.Fatalf("scripted backend missing: %+v", cfg.Backends)
	}
	if cfg.Webhook.URL != "https://ntfy.example/vault" {
		t.Fatalf("webhook URL not merged: %q", cfg.Webhook.URL)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Setenv("VAULT_TASKS_DIR", t.TempDir())
	t.Setenv("STATE_DIR", t.TempDir())
	t.Setenv("LLM_BROKEN_TYPE", "quantum")
	t.Setenv("LLM_BROKEN_COMMAND", "x")
	t.Setenv("LLM_BROKEN_MAX_PARALLEL", "1")

	if _, err := Load("", ""); err == nil {
		t.Fatal("expected validation error for unknown backend type")
	}
}

func TestEnvFileLoaded(t *testing.T) {
	vault := t.TempDir()
	envPath := filepath.Join(t.TempDir(), "config.env")
	if err := os.WriteFile(envPath, []byte("VAULT_TASKS_DIR="+vault+"\nDEFAULT_MAX_TURNS=25\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VAULT_TASKS_DIR", "")
	t.Setenv("STATE_DIR", t.TempDir())
	t.Setenv("DEFAULT_MAX_TURNS", "")
	os.Unsetenv("VAULT_TASKS_DIR")
	os.Unsetenv("DEFAULT_MAX_TURNS")

	cfg, err := Load(envPath, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VaultDir != vault || cfg.DefaultMaxTurns != 25 {
		t.Fatalf("env file not applied: %+v", cfg)
	}
}

// Package config loads typed vaultbot configuration from the environment,
// an optional dotenv file, and an optional YAML backends file. Environment
// variables always win; the YAML file only supplements the backend table.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/vaultbot/internal/state"
)

// BackendKind distinguishes hosted CLI backends from local daemons.
type BackendKind string

const (
	KindAPI   BackendKind = "api"
	KindLocal BackendKind = "local"
)

// Backend describes one LLM backend entry in the registry table.
type Backend struct {
	Name        string      `yaml:"name"`
	Kind        BackendKind `yaml:"type"`
	Command     string      `yaml:"command"`
	MaxParallel int         `yaml:"max_parallel"`
	Flags       []string    `yaml:"flags"`
	Model       string      `yaml:"model"`
	Endpoint    string      `yaml:"endpoint"`
	Invoker     string      `yaml:"invoker"`
}

// Webhook configures the notification destination. Empty URL disables it.
type Webhook struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// Config holds the full daemon configuration.
type Config struct {
	VaultDir string
	StateDir string

	PollInterval     time.Duration
	StabilityTimeout time.Duration
	SettleDelay      time.Duration
	SchedulerCycle   time.Duration

	DefaultMaxTurns   int
	DefaultComplexity int
	DryRun            bool

	MonitorInterval time.Duration
	MaxRestarts     int
	RestartWindow   time.Duration
	ShutdownTimeout time.Duration

	Backends map[string]Backend
	Webhook  Webhook
}

// backendsFile is the shape of the optional YAML backends file.
type backendsFile struct {
	Backends []Backend `yaml:"backends"`
	Webhook  Webhook   `yaml:"webhook"`
}

// taskNameRE is the accepted task directory name shape.
var taskNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// ValidTaskName reports whether s is a safe task directory name.
// Single characters are rejected by the shape (leading and trailing
// classes must both match), as are path separators and traversal.
func ValidTaskName(s string) bool {
	if strings.Contains(s, "/") || strings.Contains(s, "..") {
		return false
	}
	return taskNameRE.MatchString(s)
}

// Load builds a Config from the environment. If envFile is non-empty and
// exists it is loaded first via godotenv (without overriding variables
// already set). If backendsPath is non-empty the YAML backends file is
// merged under any LLM_* environment entries.
func Load(envFile, backendsPath string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
	}

	cfg := &Config{
		VaultDir:          getenv("VAULT_TASKS_DIR", ""),
		StateDir:          getenv("STATE_DIR", state.DefaultRoot()),
		PollInterval:      seconds("POLL_INTERVAL", 30),
		StabilityTimeout:  seconds("STABILITY_TIMEOUT", 300),
		SettleDelay:       seconds("INOTIFY_SETTLE_DELAY", 2),
		SchedulerCycle:    seconds("SCHEDULER_CYCLE", 2),
		DefaultMaxTurns:   intenv("DEFAULT_MAX_TURNS", 10),
		DefaultComplexity: intenv("DEFAULT_COMPLEXITY", 3),
		DryRun:            os.Getenv("DRY_RUN") != "",
		MonitorInterval:   seconds("MONITOR_INTERVAL", 5),
		MaxRestarts:       intenv("MAX_RESTARTS", 5),
		RestartWindow:     seconds("RESTART_WINDOW", 300),
		ShutdownTimeout:   seconds("SHUTDOWN_TIMEOUT", 30),
		Backends:          map[string]Backend{},
		Webhook: Webhook{
			URL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		},
	}

	if backendsPath != "" {
		if err := mergeBackendsFile(cfg, backendsPath); err != nil {
			return nil, err
		}
	}

	if err := mergeEnvBackends(cfg); err != nil {
		return nil, err
	}

	if len(cfg.Backends) == 0 {
		cfg.Backends = DefaultBackends()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultBackends returns the built-in two-backend table: a hosted claude
// CLI and a local ollama daemon.
func DefaultBackends() map[string]Backend {
	return map[string]Backend{
		"claude": {
			Name:        "claude",
			Kind:        KindAPI,
			Command:     "claude",
			MaxParallel: 2,
		},
		"ollama": {
			Name:        "ollama",
			Kind:        KindLocal,
			Command:     "ollama",
			MaxParallel: 1,
			Model:       "qwen2.5-coder:14b",
			Endpoint:    "http://127.0.0.1:11434",
		},
	}
}

func mergeBackendsFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backends file %s: %w", path, err)
	}
	var bf backendsFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return fmt.Errorf("parse backends file %s: %w", path, err)
	}
	for _, b := range bf.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends file %s: entry without name", path)
		}
		b.Name = strings.ToLower(b.Name)
		cfg.Backends[b.Name] = b
	}
	if bf.Webhook.URL != "" && cfg.Webhook.URL == "" {
		cfg.Webhook = bf.Webhook
	}
	return nil
}

// backendSuffixes are matched longest-first so MAX_PARALLEL is not
// misread as a backend named <name>_MAX with field PARALLEL.
var backendSuffixes = []string{
	"_MAX_PARALLEL", "_TYPE", "_COMMAND", "_FLAGS", "_MODEL", "_ENDPOINT", "_INVOKER",
}

// mergeEnvBackends scans the environment for LLM_<NAME>_* variables and
// overlays them onto the backend table.
func mergeEnvBackends(cfg *Config) error {
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "LLM_") {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		rest := strings.TrimPrefix(key, "LLM_")

		var suffix string
		for _, s := range backendSuffixes {
			if strings.HasSuffix(rest, s) {
				suffix = s
				break
			}
		}
		if suffix == "" {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(rest, suffix))
		if name == "" {
			continue
		}

		b := cfg.Backends[name]
		b.Name = name
		switch suffix {
		case "_TYPE":
			b.Kind = BackendKind(strings.ToLower(value))
		case "_MAX_PARALLEL":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid %s: %q", key, value)
			}
			b.MaxParallel = n
		case "_COMMAND":
			b.Command = value
		case "_FLAGS":
			b.Flags = strings.Fields(value)
		case "_MODEL":
			b.Model = value
		case "_ENDPOINT":
			b.Endpoint = value
		case "_INVOKER":
			b.Invoker = value
		}
		cfg.Backends[name] = b
	}
	return nil
}

func (c *Config) validate() error {
	if c.VaultDir == "" {
		return fmt.Errorf("VAULT_TASKS_DIR is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("STATE_DIR is required")
	}
	for name, b := range c.Backends {
		if b.Kind != KindAPI && b.Kind != KindLocal {
			return fmt.Errorf("backend %s: invalid type %q (want api or local)", name, b.Kind)
		}
		if b.Command == "" && b.Invoker == "" {
			return fmt.Errorf("backend %s: command or invoker is required", name)
		}
		if b.MaxParallel <= 0 {
			return fmt.Errorf("backend %s: max_parallel must be positive", name)
		}
	}
	return nil
}

// Dirs returns the state directory layout for this config.
func (c *Config) Dirs() state.Dirs {
	return state.Dirs{Root: c.StateDir}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intenv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func seconds(key string, def int) time.Duration {
	return time.Duration(intenv(key, def)) * time.Second
}

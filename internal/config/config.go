package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Gate          GateConfig          `toml:"gate"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Executor      ExecutorConfig      `toml:"executor"`
	Backend       BackendConfig       `toml:"backend"`
	Sink          SinkConfig          `toml:"sink"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectRoot  string `toml:"project_root"`
	WorktreeDir  string `toml:"worktree_dir"`
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	EnvFile      string `toml:"env_file"`
}

// GateConfig bounds concurrent runs and jobs
type GateConfig struct {
	MaxRuns int `toml:"max_runs"`
	MaxJobs int `toml:"max_jobs"`
}

// SchedulerConfig tunes the completion-wait loop
type SchedulerConfig struct {
	PollInterval    Duration `toml:"poll_interval"`
	RunDeadline     Duration `toml:"run_deadline"`
	StatusTimeout   Duration `toml:"status_timeout"`
	CleanupDelay    Duration `toml:"cleanup_delay"`
	MaxPollFailures int      `toml:"max_poll_failures"`
}

// ExecutorConfig holds agent CLI settings
type ExecutorConfig struct {
	Provider        string            `toml:"provider"`
	Model           string            `toml:"model"`
	Timeout         Duration          `toml:"timeout"`
	ChunkSize       int               `toml:"chunk_size"`
	SkipPermissions bool              `toml:"skip_permissions"`
	Binaries        map[string]string `toml:"binaries"`
}

// BackendConfig selects where jobs run
type BackendConfig struct {
	Kind      string `toml:"kind"`
	Worktrees bool   `toml:"worktrees"`
	Image     string `toml:"image"`
	Network   string `toml:"network"`
}

// SinkConfig selects where output chunks go
type SinkConfig struct {
	Kind      string   `toml:"kind"`
	RedisURL  string   `toml:"redis_url"`
	Retention Duration `toml:"retention"`
	PurgeCron string   `toml:"purge_cron"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool     `toml:"desktop"`
	SlackWebhook string   `toml:"slack_webhook"`
	Timeout      Duration `toml:"timeout"`
}

// WebConfig holds web UI settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Duration is a time.Duration written as a string like "5s" or "2h"
type Duration time.Duration

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the duration as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			ProjectRoot:  "",
			WorktreeDir:  filepath.Join(home, ".varorch", "worktrees"),
			DatabasePath: filepath.Join(home, ".varorch", "varorch.db"),
			LogLevel:     "info",
			LogFormat:    "text",
		},
		Gate: GateConfig{
			MaxRuns: 4,
			MaxJobs: 16,
		},
		Scheduler: SchedulerConfig{
			PollInterval:    Duration(5 * time.Second),
			RunDeadline:     Duration(2 * time.Hour),
			StatusTimeout:   Duration(30 * time.Second),
			CleanupDelay:    Duration(time.Minute),
			MaxPollFailures: 5,
		},
		Executor: ExecutorConfig{
			Provider:  "claude",
			Timeout:   Duration(10 * time.Minute),
			ChunkSize: 4096,
		},
		Backend: BackendConfig{
			Kind: "local",
		},
		Sink: SinkConfig{
			Kind:      "sqlite",
			Retention: Duration(7 * 24 * time.Hour),
			PurgeCron: "0 3 * * *",
		},
		Notifications: NotificationsConfig{
			Desktop: true,
			Timeout: Duration(10 * time.Second),
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.EnvFile = ExpandPath(cfg.General.EnvFile)

	return cfg, nil
}

// Save writes the configuration as TOML, creating the parent directory
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects settings the orchestrator cannot start with
func (c *Config) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return &domain.ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
	}

	if c.Gate.MaxRuns < 1 {
		return invalid("gate.max_runs", "must be at least 1, got %d", c.Gate.MaxRuns)
	}
	if c.Gate.MaxJobs < 1 {
		return invalid("gate.max_jobs", "must be at least 1, got %d", c.Gate.MaxJobs)
	}
	if c.Scheduler.PollInterval <= 0 {
		return invalid("scheduler.poll_interval", "must be positive")
	}
	if c.Scheduler.RunDeadline < c.Scheduler.PollInterval {
		return invalid("scheduler.run_deadline", "must not be shorter than poll_interval")
	}
	if c.Executor.Timeout <= 0 {
		return invalid("executor.timeout", "must be positive")
	}
	if c.Executor.ChunkSize < 0 {
		return invalid("executor.chunk_size", "must not be negative")
	}
	switch c.Backend.Kind {
	case "local":
	case "docker":
		if c.Backend.Image == "" {
			return invalid("backend.image", "required for the docker backend")
		}
	default:
		return invalid("backend.kind", "unknown backend %q (want local or docker)", c.Backend.Kind)
	}
	switch c.Sink.Kind {
	case "sqlite":
	case "redis", "both":
		if c.Sink.RedisURL == "" {
			return invalid("sink.redis_url", "required for sink kind %q", c.Sink.Kind)
		}
	default:
		return invalid("sink.kind", "unknown sink %q (want sqlite, redis or both)", c.Sink.Kind)
	}
	if c.Sink.Retention < 0 {
		return invalid("sink.retention", "must not be negative")
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return invalid("web.port", "out of range: %d", c.Web.Port)
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "varorch", "config.toml")
}

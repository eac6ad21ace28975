// Package config loads and persists the taskweave configuration from
// ~/.taskweave/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RunnerConfig selects and tunes the external execution service.
type RunnerConfig struct {
	// Command is the argv prefix of the execution CLI; the rendered task
	// prompt is appended as the final argument.
	Command []string `yaml:"command"`
	// TimeoutSeconds bounds one task attempt. 0 means no bound.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// QueueConfig tunes the orchestrator.
type QueueConfig struct {
	BranchPrefix         string   `yaml:"branch_prefix"`
	DisallowedTrailers   []string `yaml:"disallowed_trailers"`
	CancelTimeoutSeconds int      `yaml:"cancel_timeout_seconds"`
	StaleRunMaxAgeMin    int      `yaml:"stale_run_max_age_minutes"`
	MaxRetries           int      `yaml:"max_retries"`
	// SweepSchedule is a cron expression for the periodic stale-run sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// NotifyConfig configures outbound milestone notifications.
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

// OtelConfig configures trace export. Exporter is one of "none", "stdout",
// "otlp-http".
type OtelConfig struct {
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	RepoPath string `yaml:"repo_path"`
	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Runner RunnerConfig `yaml:"runner"`
	Queue  QueueConfig  `yaml:"queue"`
	Notify NotifyConfig `yaml:"notify"`
	Otel   OtelConfig   `yaml:"otel"`
}

// HomeDir resolves the taskweave home directory, honoring TASKWEAVE_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKWEAVE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskweave")
}

// Load reads config.yaml from the taskweave home, creating the home
// directory on first use. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Config{HomeDir: homeDir}

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskweave home: %w", err)
	}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	normalize(&cfg)
	return cfg, nil
}

// Save writes the config back to config.yaml in the config's home.
func (c Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// CancelTimeout returns the queue cancel grace period as a duration.
func (c Config) CancelTimeout() time.Duration {
	return time.Duration(c.Queue.CancelTimeoutSeconds) * time.Second
}

// StaleRunMaxAge returns the stale-run threshold as a duration.
func (c Config) StaleRunMaxAge() time.Duration {
	return time.Duration(c.Queue.StaleRunMaxAgeMin) * time.Minute
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskweave.db")
	}
	if cfg.RepoPath == "" {
		cfg.RepoPath = "."
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Runner.Command) == 0 {
		cfg.Runner.Command = []string{"claude", "-p", "--output-format", "stream-json"}
	}
	if cfg.Queue.BranchPrefix == "" {
		cfg.Queue.BranchPrefix = "taskweave"
	}
	if len(cfg.Queue.DisallowedTrailers) == 0 {
		cfg.Queue.DisallowedTrailers = []string{"Co-Authored-By:", "Generated-By:"}
	}
	if cfg.Queue.CancelTimeoutSeconds <= 0 {
		cfg.Queue.CancelTimeoutSeconds = 10
	}
	if cfg.Queue.StaleRunMaxAgeMin <= 0 {
		cfg.Queue.StaleRunMaxAgeMin = 60
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.SweepSchedule == "" {
		cfg.Queue.SweepSchedule = "*/10 * * * *"
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	cfg.Otel.Exporter = strings.ToLower(cfg.Otel.Exporter)
}

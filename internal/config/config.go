// Package config loads and validates dispatch agent configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MonitorConfig bounds the completion-detection poll loop.
type MonitorConfig struct {
	// Interval is the delay between completion checks.
	Interval time.Duration `yaml:"interval"`

	// MaxDuration is the hard ceiling on monitoring one task. When it is
	// reached the pipeline proceeds to collection with whatever is available.
	MaxDuration time.Duration `yaml:"max_duration"`
}

// RetentionConfig controls cleanup of finished task records.
type RetentionConfig struct {
	// KeepRecent is how many terminal tasks to retain on cleanup.
	KeepRecent int `yaml:"keep_recent"`
}

// Config holds the full configuration for one dispatch agent instance.
type Config struct {
	// Name identifies this agent in logs, tmux session names and the registry.
	Name string `yaml:"name"`

	// Role is the agent's specialty, included in analysis prompts and the
	// agent card (e.g. "Backend Developer").
	Role string `yaml:"role"`

	// Capabilities lists what this agent can do, shared with the analyzer
	// and with peers via the agent card.
	Capabilities []string `yaml:"capabilities"`

	// Registry maps collaborator agent names to their base URLs.
	Registry map[string]string `yaml:"registry"`

	// Workspace is the directory the execution backend works in. Task
	// records, scaffolding documents and completion summaries live here.
	Workspace string `yaml:"workspace"`

	// Port is the HTTP listen port for the inbound boundary.
	Port int `yaml:"port"`

	// ClaudePath is the claude CLI binary used for both the analysis calls
	// and the execution backend session. Defaults to "claude" in PATH.
	ClaudePath string `yaml:"claude_path"`

	// AnalysisTimeout bounds a single analysis call.
	AnalysisTimeout time.Duration `yaml:"analysis_timeout"`

	// DelegationTimeout bounds each individual collaborator request.
	DelegationTimeout time.Duration `yaml:"delegation_timeout"`

	// QueueCapacity caps the pending task backlog.
	QueueCapacity int `yaml:"queue_capacity"`

	// HistoryDBPath is the SQLite execution journal location. Relative paths
	// are resolved against the workspace.
	HistoryDBPath string `yaml:"history_db_path"`

	// LogLevel sets console verbosity: debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	Monitor   MonitorConfig   `yaml:"monitor"`
	Retention RetentionConfig `yaml:"retention"`
}

// DefaultConfig returns a Config with sensible defaults for a single agent.
func DefaultConfig() *Config {
	return &Config{
		Name:              "agent",
		Role:              "Generalist",
		Workspace:         "workspace",
		Port:              8000,
		ClaudePath:        "claude",
		AnalysisTimeout:   2 * time.Minute,
		DelegationTimeout: 30 * time.Second,
		QueueCapacity:     64,
		HistoryDBPath:     "history.db",
		LogLevel:          "info",
		Monitor: MonitorConfig{
			Interval:    5 * time.Second,
			MaxDuration: 5 * time.Minute,
		},
		Retention: RetentionConfig{
			KeepRecent: 10,
		},
	}
}

// Load reads configuration from path, merging over defaults. A missing file
// is not an error and yields the defaults; a malformed file is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// ResolvedHistoryDBPath returns the journal path, resolving relative values
// against the workspace directory.
func (c *Config) ResolvedHistoryDBPath() string {
	if c.HistoryDBPath == "" || filepath.IsAbs(c.HistoryDBPath) {
		return c.HistoryDBPath
	}
	return filepath.Join(c.Workspace, c.HistoryDBPath)
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in (0, 65535], got %d", c.Port)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be > 0, got %v", c.Monitor.Interval)
	}
	if c.Monitor.MaxDuration < c.Monitor.Interval {
		return fmt.Errorf("monitor.max_duration must be >= monitor.interval, got %v", c.Monitor.MaxDuration)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be > 0, got %d", c.QueueCapacity)
	}
	if c.Retention.KeepRecent < 0 {
		return fmt.Errorf("retention.keep_recent must be >= 0, got %d", c.Retention.KeepRecent)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q, must be one of: debug, info, warn, error", c.LogLevel)
	}

	for name, url := range c.Registry {
		if url == "" {
			return fmt.Errorf("registry entry %q has an empty URL", name)
		}
	}

	return nil
}

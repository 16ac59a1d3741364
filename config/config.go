// Package config assembles the per-package configuration sections into a
// single YAML document and resolves which file to load it from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syedahafsa12/minihafsa/dispatch"
	"github.com/syedahafsa12/minihafsa/loop"
	"github.com/syedahafsa12/minihafsa/model"
	"github.com/syedahafsa12/minihafsa/schedule"
	"github.com/syedahafsa12/minihafsa/vault"
)

// Config represents the complete configuration. Each section is owned by
// the package that consumes it; this package only composes them, fills
// defaults and picks the file.
type Config struct {
	Loop       loop.Config     `yaml:"loop"`
	Scheduler  schedule.Config `yaml:"scheduler"`
	Dispatcher dispatch.Config `yaml:"dispatcher"`
	Watcher    WatcherConfig   `yaml:"watcher"`
	Dashboard  DashboardConfig `yaml:"dashboard"`
	Logging    LoggingConfig   `yaml:"logging"`
	NATS       NATSConfig      `yaml:"nats"`
	Metrics    MetricsConfig   `yaml:"metrics"`
}

// WatcherConfig is the watcher section: an enable switch plus the vault
// watcher knobs. Scanning alone keeps the system correct; the watcher
// only shortens pickup latency, so it can be switched off.
type WatcherConfig struct {
	Enabled             bool `yaml:"enabled"`
	vault.WatcherConfig `yaml:",inline"`
}

// DashboardConfig is the dashboard section. The output path lives in the
// loop section (dashboard_path) next to the other workspace paths; this
// section holds the presentation knobs.
type DashboardConfig struct {
	// HistorySize caps the recent-activity list.
	HistorySize int `yaml:"history_size"`
	// RefreshDebounceMS delays the between-cycle dashboard refresh after
	// observed events so bursts coalesce into one render.
	RefreshDebounceMS int `yaml:"refresh_debounce_ms"`
}

// LoggingConfig is the logging section. The JSONL root comes from the
// loop section (log_path, default <vault>/Logs).
type LoggingConfig struct {
	// Console mirrors activity records to slog.
	Console bool `yaml:"console"`
	// RetentionDays prunes activity day files older than this on
	// startup. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// Retention returns the retention window as a duration. Zero means keep
// everything.
func (c LoggingConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// NATSConfig configures the optional event relay.
type NATSConfig struct {
	// URL is the NATS server URL. Empty disables the relay.
	URL string `yaml:"url"`
	// SubjectPrefix is prepended to relayed subjects.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves the metrics endpoint when true.
	Enabled bool `yaml:"enabled"`
	// Addr is the listen address for the metrics endpoint.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with every section at its defaults.
func DefaultConfig() *Config {
	return &Config{
		Loop:       loop.DefaultConfig(),
		Scheduler:  schedule.DefaultConfig(),
		Dispatcher: dispatch.DefaultConfig(),
		Watcher: WatcherConfig{
			Enabled:       true,
			WatcherConfig: vault.DefaultWatcherConfig(),
		},
		Dashboard: DashboardConfig{
			HistorySize:       10,
			RefreshDebounceMS: 500,
		},
		Logging: LoggingConfig{
			Console: true,
		},
		NATS: NATSConfig{
			URL:           "",
			SubjectPrefix: "minihafsa.events",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// Validate checks every section and reports the first problem with its
// section name.
func (c *Config) Validate() error {
	if err := c.Loop.Validate(); err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	if c.Watcher.Enabled {
		if err := c.Watcher.WatcherConfig.Validate(); err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
	}
	if c.Dashboard.HistorySize <= 0 {
		return fmt.Errorf("dashboard: history_size must be positive, got %d", c.Dashboard.HistorySize)
	}
	if c.Dashboard.RefreshDebounceMS < 0 {
		return fmt.Errorf("dashboard: refresh_debounce_ms must not be negative, got %d", c.Dashboard.RefreshDebounceMS)
	}
	if c.Logging.RetentionDays < 0 {
		return fmt.Errorf("logging: retention_days must not be negative, got %d", c.Logging.RetentionDays)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr is required when metrics are enabled")
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats: subject_prefix is required when a url is set")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Fields absent from
// the file keep their defaults; maps such as the scheduler priority
// weights merge key by key.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one; non-zero values in other
// take precedence. Boolean switches merge enable-only: other can turn
// the watcher or metrics on but not off, and console mirroring keeps the
// receiver's setting. Use a file layer when a switch must be cleared.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Loop
	if other.Loop.CycleIntervalMS > 0 {
		c.Loop.CycleIntervalMS = other.Loop.CycleIntervalMS
	}
	if other.Loop.MaxConcurrentTasks > 0 {
		c.Loop.MaxConcurrentTasks = other.Loop.MaxConcurrentTasks
	}
	if other.Loop.TaskTimeoutMS > 0 {
		c.Loop.TaskTimeoutMS = other.Loop.TaskTimeoutMS
	}
	if other.Loop.RetryAttempts > 0 {
		c.Loop.RetryAttempts = other.Loop.RetryAttempts
	}
	if other.Loop.RetryBackoffMS > 0 {
		c.Loop.RetryBackoffMS = other.Loop.RetryBackoffMS
	}
	if other.Loop.VaultPath != "" {
		c.Loop.VaultPath = other.Loop.VaultPath
	}
	if other.Loop.DashboardPath != "" {
		c.Loop.DashboardPath = other.Loop.DashboardPath
	}
	if other.Loop.LogPath != "" {
		c.Loop.LogPath = other.Loop.LogPath
	}

	// Scheduler
	if other.Scheduler.AgeWeight > 0 {
		c.Scheduler.AgeWeight = other.Scheduler.AgeWeight
	}
	if other.Scheduler.StarvationThresholdMS > 0 {
		c.Scheduler.StarvationThresholdMS = other.Scheduler.StarvationThresholdMS
	}
	if other.Scheduler.MaxBatchSize > 0 {
		c.Scheduler.MaxBatchSize = other.Scheduler.MaxBatchSize
	}
	for p, w := range other.Scheduler.PriorityWeights {
		if c.Scheduler.PriorityWeights == nil {
			c.Scheduler.PriorityWeights = make(map[model.Priority]float64)
		}
		c.Scheduler.PriorityWeights[p] = w
	}

	// Dispatcher
	if other.Dispatcher.MaxAgentLoad > 0 {
		c.Dispatcher.MaxAgentLoad = other.Dispatcher.MaxAgentLoad
	}

	// Watcher
	if other.Watcher.Enabled {
		c.Watcher.Enabled = true
	}
	if other.Watcher.DebounceMS > 0 {
		c.Watcher.DebounceMS = other.Watcher.DebounceMS
	}
	if other.Watcher.Buffer > 0 {
		c.Watcher.Buffer = other.Watcher.Buffer
	}
	if len(other.Watcher.Include) > 0 {
		c.Watcher.Include = other.Watcher.Include
	}
	if len(other.Watcher.Exclude) > 0 {
		c.Watcher.Exclude = other.Watcher.Exclude
	}

	// Dashboard
	if other.Dashboard.HistorySize > 0 {
		c.Dashboard.HistorySize = other.Dashboard.HistorySize
	}
	if other.Dashboard.RefreshDebounceMS > 0 {
		c.Dashboard.RefreshDebounceMS = other.Dashboard.RefreshDebounceMS
	}

	// Logging
	if other.Logging.RetentionDays > 0 {
		c.Logging.RetentionDays = other.Logging.RetentionDays
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}

	// Metrics
	if other.Metrics.Enabled {
		c.Metrics.Enabled = true
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}

package loop

import "fmt"

// Config is the loop section of the configuration. The retry, vault and
// path settings live here because the loop owns the pipeline they feed;
// the process wiring hands them to the collaborators it builds.
type Config struct {
	// CycleIntervalMS is the idle wait between cycles.
	CycleIntervalMS int `json:"cycle_interval_ms" yaml:"cycle_interval_ms"`
	// MaxConcurrentTasks bounds the executor fan-out within a cycle.
	MaxConcurrentTasks int `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	// TaskTimeoutMS is stamped on scanned tasks that carry no timeout.
	TaskTimeoutMS int `json:"task_timeout_ms" yaml:"task_timeout_ms"`
	// RetryAttempts and RetryBackoffMS configure the retry executor.
	RetryAttempts  int `json:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoffMS int `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	// VaultPath is the workspace root.
	VaultPath string `json:"vault_path" yaml:"vault_path"`
	// DashboardPath is the Markdown dashboard file.
	DashboardPath string `json:"dashboard_path" yaml:"dashboard_path"`
	// LogPath overrides the activity log root; empty means <vault>/Logs.
	LogPath string `json:"log_path,omitempty" yaml:"log_path"`
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		CycleIntervalMS:    5000,
		MaxConcurrentTasks: 3,
		TaskTimeoutMS:      30000,
		RetryAttempts:      3,
		RetryBackoffMS:     1000,
		VaultPath:          "./vault",
		DashboardPath:      "./vault/Dashboard.md",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CycleIntervalMS <= 0 {
		return fmt.Errorf("cycle_interval_ms must be positive, got %d", c.CycleIntervalMS)
	}
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.TaskTimeoutMS <= 0 {
		return fmt.Errorf("task_timeout_ms must be positive, got %d", c.TaskTimeoutMS)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RetryBackoffMS < 0 {
		return fmt.Errorf("retry_backoff_ms must not be negative, got %d", c.RetryBackoffMS)
	}
	if c.VaultPath == "" {
		return fmt.Errorf("vault_path must not be empty")
	}
	if c.DashboardPath == "" {
		return fmt.Errorf("dashboard_path must not be empty")
	}
	return nil
}

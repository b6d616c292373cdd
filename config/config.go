package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"conductor/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".conductor"), nil
}

// Config represents the engine configuration.
type Config struct {
	// WorkerCount is the initial number of worker slots (1-10).
	WorkerCount int `json:"worker_count"`
	// SchedulingStrategy selects the scheduler: fifo, priority, shortest_job,
	// critical_path, round_robin, workload_balanced.
	SchedulingStrategy string `json:"scheduling_strategy"`
	// AutoScaling enables dynamic pool resizing.
	AutoScaling bool `json:"auto_scaling"`
	// MinWorkers is the lower bound for auto-scaling.
	MinWorkers int `json:"min_workers"`
	// MaxWorkers is the upper bound for auto-scaling.
	MaxWorkers int `json:"max_workers"`
	// LockTimeoutSeconds is the lock expiry deadline in seconds.
	LockTimeoutSeconds int `json:"lock_timeout_seconds"`
	// TaskTimeoutSeconds is the per-task execution timeout in seconds.
	TaskTimeoutSeconds int `json:"task_timeout_seconds"`
	// MaxRetries is the default retry limit for failed tasks. An explicit 0
	// disables retries; a missing field keeps the default of 2.
	MaxRetries int `json:"max_retries"`
	// SnapshotIntervalSeconds controls periodic state snapshots. 0 disables them.
	SnapshotIntervalSeconds int `json:"snapshot_interval_seconds"`
	// DashboardEnabled streams progress events to the terminal dashboard.
	DashboardEnabled bool `json:"dashboard_enabled"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		WorkerCount:             3,
		SchedulingStrategy:      "priority",
		AutoScaling:             true,
		MinWorkers:              1,
		MaxWorkers:              10,
		LockTimeoutSeconds:      60,
		TaskTimeoutSeconds:      300,
		MaxRetries:              2,
		SnapshotIntervalSeconds: 60,
		DashboardEnabled:        false,
	}
}

// LockTimeout returns the lock expiry deadline as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// TaskTimeout returns the per-task timeout as a duration.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// SnapshotInterval returns the snapshot capture interval as a duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// Validate clamps out-of-range values to their nearest legal setting.
func (c *Config) Validate() {
	if c.WorkerCount < 1 {
		c.WorkerCount = 1
	}
	if c.WorkerCount > 10 {
		c.WorkerCount = 10
	}
	if c.MinWorkers < 1 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.WorkerCount < c.MinWorkers {
		c.WorkerCount = c.MinWorkers
	}
	if c.WorkerCount > c.MaxWorkers {
		c.WorkerCount = c.MaxWorkers
	}
	if c.LockTimeoutSeconds <= 0 {
		c.LockTimeoutSeconds = 60
	}
	if c.TaskTimeoutSeconds <= 0 {
		c.TaskTimeoutSeconds = 300
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.SchedulingStrategy == "" {
		c.SchedulingStrategy = "priority"
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	// Decode over the defaults so fields absent from the file keep their
	// default values while explicit zeros survive.
	config := *DefaultConfig()
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	config.Validate()
	return &config
}

// SaveConfig saves the configuration to disk
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return atomicWriteFile(configPath, data, 0644)
}

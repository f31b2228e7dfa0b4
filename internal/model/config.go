package model

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Queue       QueueConfig       `yaml:"queue"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Adapter     AdapterConfig     `yaml:"adapter"`
	Conflict    ConflictConfig    `yaml:"conflict"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type EngineConfig struct {
	// SpecsDir is the root directory holding specification documents.
	SpecsDir string `yaml:"specs_dir"`
	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type QueueConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// ExpiryHorizonHours bounds queue growth: operations older than the
	// horizon are swept regardless of status.
	ExpiryHorizonHours int `yaml:"expiry_horizon_hours"`
}

type CoordinatorConfig struct {
	MaxConcurrentOperations int `yaml:"max_concurrent_operations"`
	TickIntervalMs          int `yaml:"tick_interval_ms"`
	SweepIntervalSec        int `yaml:"sweep_interval_sec"`
}

type AdapterConfig struct {
	// Transport selects the variant: "stdio", "http" or "socket".
	Transport string `yaml:"transport"`
	// ServerCommand is the child process argv for the stdio transport.
	ServerCommand []string `yaml:"server_command,omitempty"`
	// ServerURL is the endpoint for the http transport.
	ServerURL string `yaml:"server_url,omitempty"`

	RequestTimeoutSec    int `yaml:"request_timeout_sec"`
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	RetryAttempts        int `yaml:"retry_attempts"`
	RetryDelayMs         int `yaml:"retry_delay_ms"`
}

type ConflictConfig struct {
	// EscalationThreshold raises severity after this many failed
	// auto-resolution attempts on one conflict.
	EscalationThreshold int `yaml:"escalation_threshold"`
}

type WatcherConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns the built-in defaults; LoadConfig overlays a
// YAML file on top of them.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			SpecsDir:           "specs",
			ShutdownTimeoutSec: 10,
		},
		Queue: QueueConfig{
			MaxRetries:         DefaultMaxRetries,
			ExpiryHorizonHours: 24,
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrentOperations: 3,
			TickIntervalMs:          200,
			SweepIntervalSec:        60,
		},
		Adapter: AdapterConfig{
			Transport:            "stdio",
			RequestTimeoutSec:    30,
			HeartbeatIntervalSec: 30,
			RetryAttempts:        5,
			RetryDelayMs:         1000,
		},
		Conflict: ConflictConfig{
			EscalationThreshold: 3,
		},
		Watcher: WatcherConfig{
			DebounceMs: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Adapter.RequestTimeoutSec) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Adapter.HeartbeatIntervalSec) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Adapter.RetryDelayMs) * time.Millisecond
}

func (c *Config) ExpiryHorizon() time.Duration {
	return time.Duration(c.Queue.ExpiryHorizonHours) * time.Hour
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Coordinator.TickIntervalMs) * time.Millisecond
}

func (c *Config) DebounceInterval() time.Duration {
	return time.Duration(c.Watcher.DebounceMs) * time.Millisecond
}

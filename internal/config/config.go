// ============================================================================
// Self-Healing Engine Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load and validate system configuration from a YAML file
//
// Configuration Sections:
//   - store: Relational store DSN (postgres://... or a sqlite file path)
//   - bus: Redis host and port for the pub/sub event bus
//   - worker: Worker count, per-task execution timeout, queue buffer size
//   - detector: Sweep interval and stale-task timeout
//   - retry: Exponential backoff base and cap
//   - gateway: HTTP submission API port
//   - metrics: Prometheus endpoint toggle and port
//
// Durations are configured in integer seconds (milliseconds for the worker
// simulation delay) and exposed as time.Duration through accessor methods.
//
// Environment Overrides:
//   DATABASE_URL overrides store.dsn, REDIS_ADDR overrides bus host:port.
//   Mirrors the deployment convention of the original services.
//
// ============================================================================

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Store struct {
		DSN string `yaml:"dsn"`
	} `yaml:"store"`

	Bus struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"bus"`

	Worker struct {
		Count              int `yaml:"count"`
		TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
		QueueSize          int `yaml:"queue_size"`
		SimulatedWorkMs    int `yaml:"simulated_work_ms"`
	} `yaml:"worker"`

	Detector struct {
		IntervalSeconds     int `yaml:"interval_seconds"`
		StaleTimeoutSeconds int `yaml:"stale_timeout_seconds"`
	} `yaml:"detector"`

	Retry struct {
		BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
		BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
	} `yaml:"retry"`

	Gateway struct {
		Port int `yaml:"port"`
	} `yaml:"gateway"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	cfg := &Config{}
	cfg.Store.DSN = "workflow.db"
	cfg.Bus.Host = "localhost"
	cfg.Bus.Port = 6379
	cfg.Worker.Count = 4
	cfg.Worker.TaskTimeoutSeconds = 60
	cfg.Worker.QueueSize = 100
	cfg.Worker.SimulatedWorkMs = 1000
	cfg.Detector.IntervalSeconds = 10
	cfg.Detector.StaleTimeoutSeconds = 30
	cfg.Retry.BackoffBaseSeconds = 1
	cfg.Retry.BackoffCapSeconds = 300
	cfg.Gateway.Port = 8000
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads the config file at path, applies defaults for absent fields,
// and applies environment overrides
//
// Parameters:
//   - path: Config file path; an empty path loads pure defaults
//
// Returns:
//   - *Config: Loaded configuration
//   - error: Read or parse failure
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ADDR %q: %w", addr, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ADDR port %q: %w", port, err)
		}
		cfg.Bus.Host = host
		cfg.Bus.Port = p
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must not be empty")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive")
	}
	if c.Detector.IntervalSeconds <= 0 {
		return fmt.Errorf("detector.interval_seconds must be positive")
	}
	if c.Detector.StaleTimeoutSeconds <= 0 {
		return fmt.Errorf("detector.stale_timeout_seconds must be positive")
	}
	if c.Retry.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("retry.backoff_base_seconds must be positive")
	}
	return nil
}

// BusAddr returns the bus endpoint in host:port form
func (c *Config) BusAddr() string {
	return net.JoinHostPort(c.Bus.Host, strconv.Itoa(c.Bus.Port))
}

// TaskTimeout returns the per-task execution timeout
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Worker.TaskTimeoutSeconds) * time.Second
}

// SimulatedWork returns the reference handler's bounded work duration
func (c *Config) SimulatedWork() time.Duration {
	return time.Duration(c.Worker.SimulatedWorkMs) * time.Millisecond
}

// DetectorInterval returns the sweep tick interval
func (c *Config) DetectorInterval() time.Duration {
	return time.Duration(c.Detector.IntervalSeconds) * time.Second
}

// StaleTimeout returns how long a RUNNING task may go without an update
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.Detector.StaleTimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the maximum retry delay
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Retry.BackoffCapSeconds) * time.Second
}

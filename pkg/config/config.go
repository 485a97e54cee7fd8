// Package config provides configuration loading, validation, and defaults for
// the pipeline core. It handles YAML config files with environment variable
// substitution.
package config

import (
	"fmt"
	"time"

	"dxpipe/pkg/retry"
)

// Stage name constants. The graph, config, and CLI all refer to stages by
// these names.
const (
	StageIngestion   = "ingestion"
	StageStructuring = "structuring"
	StageExecution   = "execution"
	StageSynthesis   = "synthesis"
)

// Project layout constants.
const (
	ConfigFilename = "dxpipe.yaml"
	DataDir        = ".dxpipe"
	SchemaVersion  = "1.0"
)

// Defaults applied to zero-valued fields on load.
const (
	DefaultMaxIterations       = 5
	DefaultConfidenceThreshold = 0.7
	DefaultWorkers             = 3
	DefaultTaskTimeoutSec      = 30
	DefaultRateLimitPollMs     = 50
	DefaultRetryMaxAttempts    = 3
	DefaultRetryInitialDelayMs = 1000
	DefaultRetryMaxDelayMs     = 10000
	DefaultRetryBackoffFactor  = 2.0
	DefaultEventRotationHours  = 24
)

// ConfidenceConfig carries the gate thresholds. Thresholds are policy, not
// code: the default applies unless the patient's phenotype category has an
// explicit entry.
type ConfidenceConfig struct {
	DefaultThreshold   float64            `yaml:"default_threshold"`
	CategoryThresholds map[string]float64 `yaml:"category_thresholds,omitempty"`
	ReentryStage       string             `yaml:"reentry_stage"`
}

// ThresholdFor returns the threshold for a phenotype category.
func (c *ConfidenceConfig) ThresholdFor(category string) float64 {
	if t, ok := c.CategoryThresholds[category]; ok {
		return t
	}
	return c.DefaultThreshold
}

// SchedulerConfig bounds the tool scheduler.
type SchedulerConfig struct {
	Workers            int `yaml:"workers"`
	DefaultTimeoutSec  int `yaml:"default_timeout_sec"`
	RateLimitPollMs    int `yaml:"rate_limit_poll_ms"`
	ResultChannelDepth int `yaml:"result_channel_depth,omitempty"`
}

// DefaultTimeout returns the per-task timeout as a duration.
func (s *SchedulerConfig) DefaultTimeout() time.Duration {
	return time.Duration(s.DefaultTimeoutSec) * time.Second
}

// RateLimitPoll returns the limiter re-check interval as a duration.
func (s *SchedulerConfig) RateLimitPoll() time.Duration {
	return time.Duration(s.RateLimitPollMs) * time.Millisecond
}

// RetryConfig is the scheduler's backoff schedule in config units.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	Jitter         bool    `yaml:"jitter"`
}

// Policy converts the config units into a retry policy config.
func (r *RetryConfig) Policy() retry.Config {
	return retry.Config{
		MaxAttempts:   r.MaxAttempts,
		InitialDelay:  time.Duration(r.InitialDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(r.MaxDelayMs) * time.Millisecond,
		BackoffFactor: r.BackoffFactor,
		Jitter:        r.Jitter,
	}
}

// ToolLimit is a per-tool token bucket definition.
type ToolLimit struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// StorageConfig locates the sqlite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// EventLogConfig locates the JSONL audit log.
type EventLogConfig struct {
	Dir           string `yaml:"dir"`
	RotationHours int    `yaml:"rotation_hours"`
}

// MetricsConfig wires the Prometheus surfaces. ListenAddr exposes /metrics
// when non-empty; PrometheusURL points the query service at a server.
type MetricsConfig struct {
	ListenAddr    string `yaml:"listen_addr,omitempty"`
	PrometheusURL string `yaml:"prometheus_url,omitempty"`
}

// Config is the root configuration for a pipeline deployment.
type Config struct {
	MaxIterations int                  `yaml:"max_iterations"`
	Confidence    ConfidenceConfig     `yaml:"confidence"`
	Scheduler     SchedulerConfig      `yaml:"scheduler"`
	Retry         RetryConfig          `yaml:"retry"`
	Tools         map[string]ToolLimit `yaml:"tools,omitempty"`
	Storage       StorageConfig        `yaml:"storage"`
	EventLog      EventLogConfig       `yaml:"event_log"`
	Metrics       MetricsConfig        `yaml:"metrics"`
}

// Default returns a config with all defaults applied and no tool limits.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(config *Config) {
	if config.MaxIterations == 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.Confidence.DefaultThreshold == 0 {
		config.Confidence.DefaultThreshold = DefaultConfidenceThreshold
	}
	if config.Confidence.ReentryStage == "" {
		config.Confidence.ReentryStage = StageStructuring
	}
	if config.Scheduler.Workers == 0 {
		config.Scheduler.Workers = DefaultWorkers
	}
	if config.Scheduler.DefaultTimeoutSec == 0 {
		config.Scheduler.DefaultTimeoutSec = DefaultTaskTimeoutSec
	}
	if config.Scheduler.RateLimitPollMs == 0 {
		config.Scheduler.RateLimitPollMs = DefaultRateLimitPollMs
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if config.Retry.InitialDelayMs == 0 {
		config.Retry.InitialDelayMs = DefaultRetryInitialDelayMs
	}
	if config.Retry.MaxDelayMs == 0 {
		config.Retry.MaxDelayMs = DefaultRetryMaxDelayMs
	}
	if config.Retry.BackoffFactor == 0 {
		config.Retry.BackoffFactor = DefaultRetryBackoffFactor
	}
	if config.Storage.Path == "" {
		config.Storage.Path = DataDir + "/dxpipe.db"
	}
	if config.EventLog.Dir == "" {
		config.EventLog.Dir = DataDir + "/events"
	}
	if config.EventLog.RotationHours == 0 {
		config.EventLog.RotationHours = DefaultEventRotationHours
	}
	if config.Tools == nil {
		config.Tools = make(map[string]ToolLimit)
	}
}

// validateConfig rejects configurations the core cannot run with.
func validateConfig(config *Config) error {
	if config.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive, got %d", config.MaxIterations)
	}
	if config.Confidence.DefaultThreshold < 0 || config.Confidence.DefaultThreshold > 1 {
		return fmt.Errorf("confidence default_threshold %v outside [0,1]", config.Confidence.DefaultThreshold)
	}
	for category, threshold := range config.Confidence.CategoryThresholds {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("confidence threshold for category %s outside [0,1]: %v", category, threshold)
		}
	}
	switch config.Confidence.ReentryStage {
	case StageIngestion, StageStructuring, StageExecution, StageSynthesis:
	default:
		return fmt.Errorf("confidence reentry_stage %q is not a pipeline stage", config.Confidence.ReentryStage)
	}
	if config.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler workers must be positive, got %d", config.Scheduler.Workers)
	}
	if config.Scheduler.DefaultTimeoutSec < 1 {
		return fmt.Errorf("scheduler default_timeout_sec must be positive, got %d", config.Scheduler.DefaultTimeoutSec)
	}
	if config.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be positive, got %d", config.Retry.MaxAttempts)
	}
	if config.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry backoff_factor must be >= 1, got %v", config.Retry.BackoffFactor)
	}
	for tool, limit := range config.Tools {
		if limit.Capacity < 1 {
			return fmt.Errorf("tool %s: capacity must be positive", tool)
		}
		if limit.RefillPerSecond <= 0 {
			return fmt.Errorf("tool %s: refill_per_second must be positive", tool)
		}
	}
	return nil
}

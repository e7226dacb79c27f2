package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Keel configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Loop driver behavior
	Loop LoopConfig `json:"loop" mapstructure:"loop"`

	// Self-consistency verifier
	Verifier VerifierConfig `json:"verifier" mapstructure:"verifier"`

	// Idempotency cache
	Idempotency IdempotencyConfig `json:"idempotency" mapstructure:"idempotency"`

	// Admission control
	Limiter LimiterConfig `json:"limiter" mapstructure:"limiter"`
	Breaker BreakerConfig `json:"breaker" mapstructure:"breaker"`

	// Checkpoint store
	Checkpoint CheckpointConfig `json:"checkpoint" mapstructure:"checkpoint"`

	// Status server
	Status StatusConfig `json:"status" mapstructure:"status"`

	// Model providers
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// LoopConfig controls the loop driver state machine
type LoopConfig struct {
	MaxToolIterations int  `json:"max_tool_iterations" mapstructure:"max_tool_iterations"`
	MaxRetries        int  `json:"max_retries" mapstructure:"max_retries"`
	RetryBackoffMs    int  `json:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	StepTimeoutSec    int  `json:"step_timeout_sec" mapstructure:"step_timeout_sec"`
	ContextWindow     int  `json:"context_window" mapstructure:"context_window"`
	AutoResume        bool `json:"auto_resume" mapstructure:"auto_resume"`
	LeaseTTLSec       int  `json:"lease_ttl_sec" mapstructure:"lease_ttl_sec"`
}

// VerifierConfig controls self-consistency sampling
type VerifierConfig struct {
	Samples   int     `json:"samples" mapstructure:"samples"`
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
}

// IdempotencyConfig controls cached side-effect replay
type IdempotencyConfig struct {
	TTLMinutes     int `json:"ttl_minutes" mapstructure:"ttl_minutes"`
	PendingWaitSec int `json:"pending_wait_sec" mapstructure:"pending_wait_sec"`
}

// LimiterConfig configures per-dependency token buckets
type LimiterConfig struct {
	DefaultCapacity   float64                 `json:"default_capacity" mapstructure:"default_capacity"`
	DefaultRefillRate float64                 `json:"default_refill_rate" mapstructure:"default_refill_rate"`
	Dependencies      map[string]BucketConfig `json:"dependencies" mapstructure:"dependencies"`
}

// BucketConfig overrides the bucket parameters for one dependency
type BucketConfig struct {
	Capacity   float64 `json:"capacity" mapstructure:"capacity"`
	RefillRate float64 `json:"refill_rate" mapstructure:"refill_rate"`
}

// BreakerConfig configures per-tool circuit breakers
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold" mapstructure:"failure_threshold"`
	FailureWindowSec int `json:"failure_window_sec" mapstructure:"failure_window_sec"`
	CooldownSec      int `json:"cooldown_sec" mapstructure:"cooldown_sec"`
	MaxCooldownSec   int `json:"max_cooldown_sec" mapstructure:"max_cooldown_sec"`
}

// CheckpointConfig configures the durable checkpoint store
type CheckpointConfig struct {
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
	JanitorSpec   string `json:"janitor_spec" mapstructure:"janitor_spec"`
}

// StatusConfig configures the read-only observability server
type StatusConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// ProviderConfig represents a model backend credential
type ProviderConfig struct {
	Name     string `json:"name" mapstructure:"name"` // "anthropic", "openai"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a configuration with sane defaults
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Loop: LoopConfig{
			MaxToolIterations: 5,
			MaxRetries:        3,
			RetryBackoffMs:    1000,
			StepTimeoutSec:    60,
			ContextWindow:     20,
			AutoResume:        true,
			LeaseTTLSec:       120,
		},
		Verifier: VerifierConfig{
			Samples:   5,
			Threshold: 0.6,
		},
		Idempotency: IdempotencyConfig{
			TTLMinutes:     10,
			PendingWaitSec: 30,
		},
		Limiter: LimiterConfig{
			DefaultCapacity:   20,
			DefaultRefillRate: 5,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			FailureWindowSec: 300,
			CooldownSec:      60,
			MaxCooldownSec:   900,
		},
		Checkpoint: CheckpointConfig{
			RetentionDays: 30,
			JanitorSpec:   "@every 1m",
		},
		Status: StatusConfig{
			Host: "127.0.0.1",
			Port: 7411,
		},
	}
}

// LeaseTTL returns the lease TTL as a duration
func (c *LoopConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSec) * time.Second
}

// StepTimeout returns the per-step timeout as a duration
func (c *LoopConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSec) * time.Second
}

// RetryBackoff returns the base retry backoff as a duration
func (c *LoopConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// TTL returns the idempotency record lifetime as a duration
func (c *IdempotencyConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// PendingWait returns how long a caller waits on an in-flight key
func (c *IdempotencyConfig) PendingWait() time.Duration {
	return time.Duration(c.PendingWaitSec) * time.Second
}

// FailureWindow returns the breaker failure-counting window
func (c *BreakerConfig) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowSec) * time.Second
}

// Cooldown returns the initial open-state cooldown
func (c *BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// MaxCooldown returns the cap on exponentially extended cooldowns
func (c *BreakerConfig) MaxCooldown() time.Duration {
	return time.Duration(c.MaxCooldownSec) * time.Second
}

// String returns a redacted JSON rendering for logs
func (c *Config) String() string {
	clone := *c
	clone.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		p.APIKey = "***"
		clone.Providers[i] = p
	}
	data, err := json.Marshal(clone)
	if err != nil {
		return fmt.Sprintf("config(marshal error: %v)", err)
	}
	return string(data)
}

package config

import (
	"fmt"
)

// Validate rejects configurations the daemon cannot run with
func (c *Config) Validate() error {
	if c.Loop.MaxToolIterations < 1 {
		return fmt.Errorf("loop.max_tool_iterations must be at least 1")
	}
	if c.Loop.MaxRetries < 0 {
		return fmt.Errorf("loop.max_retries cannot be negative")
	}
	if c.Loop.StepTimeoutSec <= 0 {
		return fmt.Errorf("loop.step_timeout_sec must be positive")
	}
	if c.Loop.LeaseTTLSec <= 0 {
		return fmt.Errorf("loop.lease_ttl_sec must be positive")
	}

	if c.Verifier.Samples < 1 {
		return fmt.Errorf("verifier.samples must be at least 1")
	}
	if c.Verifier.Threshold < 0 || c.Verifier.Threshold > 1 {
		return fmt.Errorf("verifier.threshold must be between 0 and 1")
	}

	if c.Idempotency.TTLMinutes <= 0 {
		return fmt.Errorf("idempotency.ttl_minutes must be positive")
	}

	if c.Limiter.DefaultCapacity <= 0 {
		return fmt.Errorf("limiter.default_capacity must be positive")
	}
	if c.Limiter.DefaultRefillRate <= 0 {
		return fmt.Errorf("limiter.default_refill_rate must be positive")
	}
	for name, bucket := range c.Limiter.Dependencies {
		if bucket.Capacity <= 0 {
			return fmt.Errorf("limiter.dependencies.%s.capacity must be positive", name)
		}
		if bucket.RefillRate <= 0 {
			return fmt.Errorf("limiter.dependencies.%s.refill_rate must be positive", name)
		}
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.CooldownSec <= 0 {
		return fmt.Errorf("breaker.cooldown_sec must be positive")
	}
	if c.Breaker.MaxCooldownSec < c.Breaker.CooldownSec {
		return fmt.Errorf("breaker.max_cooldown_sec cannot be smaller than breaker.cooldown_sec")
	}

	if c.Checkpoint.RetentionDays < 1 {
		return fmt.Errorf("checkpoint.retention_days must be at least 1")
	}

	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port must be a valid port number")
	}

	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name cannot be empty", i)
		}
		if p.Name != "anthropic" && p.Name != "openai" {
			return fmt.Errorf("providers[%d].name must be anthropic or openai, got %q", i, p.Name)
		}
		if p.APIKey == "" {
			return fmt.Errorf("providers[%d].api_key cannot be empty", i)
		}
	}

	return nil
}

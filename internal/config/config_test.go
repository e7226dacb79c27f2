package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Loop.MaxToolIterations)
	assert.Equal(t, 3, cfg.Loop.MaxRetries)
	assert.Equal(t, 5, cfg.Verifier.Samples)
	assert.Equal(t, 0.6, cfg.Verifier.Threshold)
	assert.Equal(t, 10, cfg.Idempotency.TTLMinutes)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.True(t, cfg.Loop.AutoResume)
}

func TestConfigString(t *testing.T) {
	t.Run("should redact provider API keys", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers = []ProviderConfig{
			{Name: "anthropic", APIKey: "sk-secret", Model: "claude-sonnet-4-20250514"},
		}

		rendered := cfg.String()
		assert.NotContains(t, rendered, "sk-secret")
		assert.Contains(t, rendered, "***")
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "2m0s", cfg.Loop.LeaseTTL().String())
	assert.Equal(t, "1m0s", cfg.Loop.StepTimeout().String())
	assert.Equal(t, "10m0s", cfg.Idempotency.TTL().String())
	assert.Equal(t, "1m0s", cfg.Breaker.Cooldown().String())
}

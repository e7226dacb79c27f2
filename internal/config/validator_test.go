package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	t.Run("default config is valid", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects zero tool iterations", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Loop.MaxToolIterations = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects negative retries", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Loop.MaxRetries = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects out-of-range verifier threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Verifier.Threshold = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive limiter capacity", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Limiter.DefaultCapacity = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects per-dependency bucket without refill", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Limiter.Dependencies = map[string]BucketConfig{
			"model": {Capacity: 10, RefillRate: 0},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects max cooldown below base cooldown", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Breaker.CooldownSec = 120
		cfg.Breaker.MaxCooldownSec = 60
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown provider name", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers = []ProviderConfig{{Name: "mistral", APIKey: "key"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects provider without api key", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers = []ProviderConfig{{Name: "anthropic"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects invalid status port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Status.Port = 70000
		assert.Error(t, cfg.Validate())
	})
}

package daemon

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/keel/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Checkpoint.DBPath = filepath.Join(cfg.DataDir, "checkpoints.db")
	cfg.Logging.File = filepath.Join(cfg.DataDir, "keel.log")
	cfg.Status.Port = 0
	cfg.Providers = []config.ProviderConfig{
		{Name: "anthropic", APIKey: "test-key", Model: "test-model", Priority: 1},
	}
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	e, err := NewEngine(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })
	return e
}

func TestNewEngine(t *testing.T) {
	t.Run("should build the full service graph", func(t *testing.T) {
		e := newTestEngine(t)
		assert.NotNil(t, e.driver)
		assert.NotNil(t, e.recovery)
		assert.Equal(t, "anthropic", e.provider.Name())
		assert.NotEmpty(t, e.registry.List())
	})

	t.Run("should fail without providers", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Providers = nil

		_, err := NewEngine(cfg, zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestSelectProvider(t *testing.T) {
	t.Run("should pick the lowest priority value first", func(t *testing.T) {
		p, err := selectProvider([]config.ProviderConfig{
			{Name: "openai", APIKey: "k", Priority: 2},
			{Name: "anthropic", APIKey: "k", Priority: 1},
		})
		require.NoError(t, err)
		assert.Equal(t, "anthropic", p.Name())
	})

	t.Run("should skip unusable entries", func(t *testing.T) {
		p, err := selectProvider([]config.ProviderConfig{
			{Name: "nonsense", APIKey: "k", Priority: 1},
			{Name: "openai", APIKey: "k", Priority: 2},
		})
		require.NoError(t, err)
		assert.Equal(t, "openai", p.Name())
	})

	t.Run("should fail when nothing is usable", func(t *testing.T) {
		_, err := selectProvider([]config.ProviderConfig{{Name: "nonsense"}})
		assert.Error(t, err)
	})
}

func TestEngineLifecycle(t *testing.T) {
	t.Run("should start and stop cleanly", func(t *testing.T) {
		e, err := NewEngine(testConfig(t), zerolog.Nop())
		require.NoError(t, err)

		require.NoError(t, e.Start())
		assert.Error(t, e.Start(), "second start must be rejected")
		assert.Greater(t, e.Uptime().Nanoseconds(), int64(0))

		require.NoError(t, e.Stop())
		assert.NoError(t, e.Stop(), "stop is idempotent")
	})

	t.Run("should reject submissions while stopped", func(t *testing.T) {
		e, err := NewEngine(testConfig(t), zerolog.Nop())
		require.NoError(t, err)
		defer e.Stop()

		_, err = e.SubmitAsync("anything")
		assert.Error(t, err)
	})
}

func TestStatusServer(t *testing.T) {
	t.Run("should report health", func(t *testing.T) {
		e := newTestEngine(t)

		rec := httptest.NewRecorder()
		e.status.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))

		assert.Equal(t, 200, rec.Code)
		assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
	})

	t.Run("should expose dependency health in the status payload", func(t *testing.T) {
		e := newTestEngine(t)
		e.limiter.Acquire("model")

		rec := httptest.NewRecorder()
		e.status.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))
		require.Equal(t, 200, rec.Code)

		var payload statusPayload
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		assert.Equal(t, "anthropic", payload.Provider)
		assert.Contains(t, payload.LimiterLevels, "model")
		assert.Contains(t, payload.RegisteredTools, "read_file")
		assert.Equal(t, 0, payload.PendingKeys)
	})
}

func TestApplyConfig(t *testing.T) {
	t.Run("should swap the tunables on a running engine", func(t *testing.T) {
		e := newTestEngine(t)

		updated := testConfig(t)
		updated.Loop.MaxToolIterations = 9
		updated.Verifier.Samples = 7
		updated.Verifier.Threshold = 0.9
		updated.Checkpoint.RetentionDays = 7

		require.NoError(t, e.ApplyConfig(updated))
		assert.Equal(t, 0.9, e.check.Threshold())
		assert.Equal(t, 7*24*time.Hour, e.checkpointRetention())
	})

	t.Run("should reject an invalid configuration whole", func(t *testing.T) {
		e := newTestEngine(t)
		before := e.check.Threshold()

		bad := testConfig(t)
		bad.Verifier.Threshold = 1.5

		assert.Error(t, e.ApplyConfig(bad))
		assert.Equal(t, before, e.check.Threshold(), "previous tunables stay in force")
	})
}

func TestJanitorSweep(t *testing.T) {
	t.Run("should run the maintenance pass without error", func(t *testing.T) {
		e := newTestEngine(t)

		e.cache.Begin("k")
		require.NoError(t, e.cache.Complete("k", "v", "succeeded"))

		e.janitor.sweep()
		e.janitor.vacuum()

		assert.Equal(t, 1, e.cache.Size(), "unexpired records survive the sweep")
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	t.Run("should return defaults when file is missing", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

		cfg, err := loader.Load()
		require.NoError(t, err)

		assert.Equal(t, 5, cfg.Loop.MaxToolIterations)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.Checkpoint.DBPath)
	})

	t.Run("should load values from file over defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "keel.json")

		payload := `{
			"data_dir": "` + tmpDir + `",
			"loop": {"max_tool_iterations": 8, "auto_resume": false},
			"verifier": {"samples": 7, "threshold": 0.8}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(payload), 0600))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, 8, cfg.Loop.MaxToolIterations)
		assert.False(t, cfg.Loop.AutoResume)
		assert.Equal(t, 7, cfg.Verifier.Samples)
		assert.Equal(t, 0.8, cfg.Verifier.Threshold)
		assert.Equal(t, filepath.Join(tmpDir, "checkpoints.db"), cfg.Checkpoint.DBPath)
	})

	t.Run("should reject unreadable config", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "keel.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0600))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, filepath.Join(".mnemosyne", "activity.db"), cfg.Database.Path)
	assert.False(t, cfg.Database.ReadOnly)
	assert.Empty(t, cfg.Redis.Host)
	assert.False(t, cfg.StreamMode())
	assert.Equal(t, "http://localhost:11434", cfg.LLM.Host)
	assert.Equal(t, 300*time.Second, cfg.Tracker.IdleThreshold.Std())
	assert.Equal(t, 1800*time.Second, cfg.Tracker.MaxSessionDuration.Std())
	assert.Equal(t, 5*time.Second, cfg.Tracker.MinSessionDuration.Std())
	assert.Equal(t, 30*time.Second, cfg.Loop.Interval.Std())
	assert.Equal(t, 15*time.Second, cfg.Loop.DedupWindow.Std())
	assert.Equal(t, 100, cfg.Loop.BatchLimit)
	assert.Equal(t, 4096, cfg.Guard.VRAMThresholdMB)
	assert.Equal(t, "eng+rus", cfg.Perception.OCRLanguages)
	assert.NotEmpty(t, cfg.Guard.ProcessBlacklist)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().LLM.Host, cfg.LLM.Host)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
database:
  path: /tmp/custom.db
redis:
  host: localhost:6379
tracker:
  idle_threshold: 120s
loop:
  interval: 10s
  deep_enrichment: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.db", cfg.Database.Path)
	assert.True(t, cfg.StreamMode())
	assert.Equal(t, 120*time.Second, cfg.Tracker.IdleThreshold.Std())
	assert.Equal(t, 10*time.Second, cfg.Loop.Interval.Std())
	assert.True(t, cfg.Loop.DeepEnrichment)
	// Untouched fields keep defaults.
	assert.Equal(t, 1800*time.Second, cfg.Tracker.MaxSessionDuration.Std())
}

func TestDurationBareSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracker:\n  idle_threshold: 300\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, cfg.Tracker.IdleThreshold.Std())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MNEMOSYNE_DB_PATH", "/tmp/env.db")
	t.Setenv("MNEMOSYNE_DB_READONLY", "1")
	t.Setenv("MNEMOSYNE_REDIS_HOST", "redis:6379")
	t.Setenv("OLLAMA_LLM_HOST", "http://llm:11434")
	t.Setenv("OLLAMA_VLM_HOST", "http://vlm:11434")
	t.Setenv("LLM_MODEL_HEAVY", "big")
	t.Setenv("LLM_MODEL_LIGHT", "small")
	t.Setenv("VLM_BACKEND", "managed")
	t.Setenv("VLM_MODEL", "vlm-model")
	t.Setenv("MNEMOSYNE_VAULT_PATH", "/tmp/vault")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.True(t, cfg.Database.ReadOnly)
	assert.Equal(t, "redis:6379", cfg.Redis.Host)
	assert.Equal(t, "http://llm:11434", cfg.LLM.Host)
	assert.Equal(t, "http://vlm:11434", cfg.Vision.Host)
	assert.Equal(t, "big", cfg.LLM.HeavyModel)
	assert.Equal(t, "small", cfg.LLM.LightModel)
	assert.Equal(t, "managed", cfg.Vision.Backend)
	assert.Equal(t, "vlm-model", cfg.Vision.Model)
	assert.Equal(t, "/tmp/vault", cfg.VaultPath)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Redis.Host = "localhost:6379"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Redis.Host, loaded.Redis.Host)
	assert.Equal(t, cfg.Tracker.IdleThreshold.Std(), loaded.Tracker.IdleThreshold.Std())
}

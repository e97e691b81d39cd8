package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: storyengine
  debug: true
cache:
  addr: redis.internal:6379
narrator_voice_id: voice_narrator_1
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.True(t, cfg.App.Debug)
	require.Equal(t, "redis.internal:6379", cfg.Cache.Addr)
	require.Equal(t, "voice_narrator_1", cfg.NarratorVoiceID)

	// Untouched sections still carry their defaults.
	require.Equal(t, 3600*time.Second, cfg.ResourceWaitTimeout)
	require.EqualValues(t, 10, cfg.DownloadConcurrency)
	require.Contains(t, cfg.Queues, "tts")
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Cache.Addr, cfg.Cache.Addr)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SNE_CACHE_ADDR", "env-redis:6379")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "env-redis:6379", cfg.Cache.Addr)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsEmptyQueues(t *testing.T) {
	cfg := Default()
	cfg.Queues = nil
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadQueueConcurrency(t *testing.T) {
	cfg := Default()
	q := cfg.Queues["tts"]
	q.MaxConcurrent = 0
	cfg.Queues["tts"] = q
	require.Error(t, cfg.Validate())
}

func TestQueueConfigsRoundTrip(t *testing.T) {
	cfg := Default()
	configs := cfg.QueueConfigs()
	require.Len(t, configs, len(cfg.Queues))
}

package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("QUEUE_CONFIG_FILE", "")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.DefaultConcurrency)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Backoff.Base)
	assert.Equal(t, time.Hour, cfg.Backoff.Max)
	assert.Equal(t, 30*time.Second, cfg.StallInterval)
	assert.Equal(t, 1, cfg.MaxStalledCount)
	assert.Equal(t, 100, cfg.WaitingHighWatermark)
}

func TestConfigFromEnvWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queues.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queues:
  ocr-extraction:
    concurrency: 8
    max_attempts: 5
  cleanup:
    paused_on_start: true
`), 0o600))
	t.Setenv("QUEUE_CONFIG_FILE", path)
	t.Setenv("QUEUE_DEFAULT_CONCURRENCY", "2")
	t.Setenv("QUEUE_STALL_INTERVAL_MS", "1500")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Concurrency(jobs.QueueOCRExtraction))
	assert.Equal(t, 2, cfg.Concurrency(jobs.QueueAnalysis))
	assert.Equal(t, 5, cfg.MaxAttemptsFor(jobs.QueueOCRExtraction))
	assert.Equal(t, 3, cfg.MaxAttemptsFor(jobs.QueueAnalysis))
	assert.True(t, cfg.PausedOnStart(jobs.QueueCleanup))
	assert.False(t, cfg.PausedOnStart(jobs.QueueAnalysis))
	assert.Equal(t, 1500*time.Millisecond, cfg.StallInterval)
}

func TestParseOverridesRejectsUnknownQueue(t *testing.T) {
	_, err := ParseOverrides([]byte("queues:\n  ocr:\n    concurrency: 2\n"))
	require.Error(t, err)
	_, err = ParseOverrides([]byte("queues:\n  analysis:\n    concurrency: -1\n"))
	require.Error(t, err)
	_, err = ParseOverrides([]byte("queues: ["))
	require.Error(t, err)
}

func TestConfigFromEnvMissingFile(t *testing.T) {
	t.Setenv("QUEUE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := ConfigFromEnv()
	require.Error(t, err)
}

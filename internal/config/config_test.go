package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 5*time.Minute, cfg.Worker.ShortDelay)
	assert.Equal(t, 30*time.Minute, cfg.Worker.MediumDelay)
	assert.Equal(t, 60*time.Minute, cfg.Worker.LongDelay)
	assert.Equal(t, 4*time.Minute, cfg.Worker.ClaimLease)
	assert.Equal(t, "communication", cfg.Poller.ServiceType)
	assert.Equal(t, "postgres", cfg.Store.TaskDriver)
	assert.Zero(t, cfg.Worker.MaxAttempts)
	assert.NotEmpty(t, cfg.Worker.ProcessorID)
}

func TestLoadWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: test
worker:
  max_workers: 4
  max_attempts: 7
poller:
  poll_interval: 15s
`), 0o600))

	t.Setenv("CAMPAIGN_WORKER_MAX_WORKERS", "12")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.App.Name)
	assert.Equal(t, 12, cfg.Worker.MaxWorkers)
	assert.Equal(t, 7, cfg.Worker.MaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.Poller.PollInterval)
	assert.Equal(t, 50, cfg.Worker.BatchSize)
}

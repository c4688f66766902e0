package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "database", cfg.Idempotency.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.RecordTTL)
	assert.Equal(t, 30*time.Second, cfg.Idempotency.LeaseTimeout)
	assert.Equal(t, time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Outbox.DispatchLeaseTimeout)
	assert.Equal(t, "log", cfg.Sink.Kind)
	assert.Equal(t, 5*time.Minute, cfg.Redis.CatalogCacheTTL)
	assert.EqualValues(t, 1<<20, cfg.Server.MaxBodyBytes)
	assert.Equal(t, 30*time.Second, cfg.Tracing.MetricInterval)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	yaml := []byte(`
database:
  driver: sqlite
  dsn: "file::memory:"
outbox:
  batch_size: 7
  backoff_base: 2s
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("APP_OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("APP_SERVER_MAX_BODY_BYTES", "4096")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 7, cfg.Outbox.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Outbox.BackoffBase)
	assert.Equal(t, 3, cfg.Outbox.MaxAttempts)
	assert.EqualValues(t, 4096, cfg.Server.MaxBodyBytes)
}

func TestValidateRejectsMissingSinkSettings(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	cfg.Sink.Kind = "webhook"
	cfg.Sink.Webhook.URL = ""
	assert.ErrorContains(t, cfg.Validate(), "sink.webhook.url")

	cfg.Sink.Kind = "log"
	cfg.Idempotency.Backend = "redis"
	assert.ErrorContains(t, cfg.Validate(), "redis.addr")

	cfg.Idempotency.Backend = "database"
	cfg.Outbox.BackoffMax = cfg.Outbox.BackoffBase / 2
	assert.Error(t, cfg.Validate())
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

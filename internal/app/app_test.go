package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d60-Lab/catalog-outbox/config"
	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/internal/sink"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "catalog-outbox", Env: "test"},
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			DSN:         "file:" + t.Name() + "?mode=memory&cache=shared",
			LogLevel:    "silent",
			AutoMigrate: true,
		},
		Idempotency: config.IdempotencyConfig{Backend: "database", RedisPrefix: "idem"},
		Outbox: config.OutboxConfig{
			PollInterval:         time.Second,
			BatchSize:            50,
			MaxAttempts:          5,
			BackoffBase:          time.Second,
			BackoffMax:           time.Minute,
			BackoffJitter:        0.25,
			DispatchLeaseTimeout: 2 * time.Minute,
			PublishTimeout:       3 * time.Second,
			Workers:              2,
			Concurrency:          4,
			PublishRate:          100,
		},
		Sink: config.SinkConfig{Kind: "log"},
	}
}

func TestOpenWithDatabaseBackend(t *testing.T) {
	cfg := testConfig(t)
	d, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { assert.NoError(t, d.Close()) }()

	assert.Nil(t, d.Redis)
	store, err := d.IdempotencyStore()
	require.NoError(t, err)
	assert.True(t, store.JoinsTransaction())
	assert.NotNil(t, d.CatalogRepository())

	stats, err := d.Outbox.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats["pending"])
}

func TestOpenWithRedisBackendAndStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.CatalogCacheTTL = time.Minute
	cfg.Idempotency.Backend = "redis"
	cfg.Sink = config.SinkConfig{Kind: "redis", Redis: config.RedisSinkConfig{Stream: "catalog-events", DedupTTL: time.Hour}}

	d, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { assert.NoError(t, d.Close()) }()

	require.NotNil(t, d.Redis)
	store, err := d.IdempotencyStore()
	require.NoError(t, err)
	assert.False(t, store.JoinsTransaction())
	assert.IsType(t, &sink.RedisStreamSink{}, d.Sink)
	assert.IsType(t, &repository.CachedCatalogRepository{}, d.CatalogRepository())
}

func TestOpenFailsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Redis.Addr = addr
	_, err := Open(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "ping redis")
}

func TestDispatcherConfigMapping(t *testing.T) {
	oc := testConfig(t).Outbox
	dc := DispatcherConfig(oc)
	assert.Equal(t, oc.DispatchLeaseTimeout, dc.LeaseTimeout)
	assert.Equal(t, oc.BackoffJitter, dc.BackoffJitter)
	assert.Equal(t, oc.PublishRate, dc.PublishRate)
	assert.Equal(t, 2, dc.Workers)
	assert.Equal(t, 4, dc.Concurrency)
}

// Package app 按配置组装 server 与独立 dispatcher 共用的存储、sink 和 worker
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/catalog-outbox/config"
	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/internal/service"
	"github.com/d60-Lab/catalog-outbox/internal/sink"
	"github.com/d60-Lab/catalog-outbox/pkg/alert"
	"github.com/d60-Lab/catalog-outbox/pkg/clock"
	"github.com/d60-Lab/catalog-outbox/pkg/database"
)

// Deps 进程级长生命周期资源
type Deps struct {
	Config   *config.Config
	Log      *zap.Logger
	DB       *gorm.DB
	Redis    redis.UniversalClient
	Registry *service.EventRegistry
	Outbox   repository.OutboxRepository
	Alerter  alert.Alerter
	Sink     service.EventSink

	closers []func() error
	sentry  *alert.SentryAlerter
}

// Open 连接数据库、可选的 redis 以及配置的 sink
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Deps, error) {
	d := &Deps{Config: cfg, Log: log, Registry: service.DefaultRegistry()}

	db, err := database.InitDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	d.DB = db
	d.closers = append(d.closers, func() error { return database.Close(db) })
	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(db); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	d.Outbox = repository.NewOutboxRepository(db)

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.closers = append(d.closers, rdb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		d.Redis = rdb
	}

	evSink, closeSink, err := sink.New(cfg.Sink, d.Redis, d.Registry, log.Named("sink"))
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("build sink: %w", err)
	}
	d.Sink = evSink
	d.closers = append(d.closers, closeSink)

	alerters := alert.Multi{alert.NewLogAlerter(log)}
	if cfg.Sentry.DSN != "" {
		sa, err := alert.NewSentryAlerter(cfg.Sentry.DSN, cfg.App.Env)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("init sentry: %w", err)
		}
		d.sentry = sa
		alerters = append(alerters, sa)
	}
	d.Alerter = alerters
	return d, nil
}

// IdempotencyStore 按 idempotency.backend 选择存储
func (d *Deps) IdempotencyStore() (repository.IdempotencyRepository, error) {
	switch d.Config.Idempotency.Backend {
	case "", "database":
		return repository.NewIdempotencyRepository(d.DB), nil
	case "redis":
		if d.Redis == nil {
			return nil, errors.New("redis idempotency backend requires redis.addr")
		}
		return repository.NewRedisIdempotencyRepository(d.Redis, d.Config.Idempotency.RedisPrefix, clock.Real()), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", d.Config.Idempotency.Backend)
	}
}

// CatalogRepository 配置了 redis 时带读缓存
func (d *Deps) CatalogRepository() repository.CatalogRepository {
	base := repository.NewCatalogRepository(d.DB)
	if d.Redis == nil || d.Config.Redis.CatalogCacheTTL <= 0 {
		return base
	}
	return repository.NewCachedCatalogRepository(base, d.Redis, "catalog", d.Config.Redis.CatalogCacheTTL)
}

func (d *Deps) Dispatcher(opts ...service.DispatcherOption) *service.Dispatcher {
	opts = append([]service.DispatcherOption{
		service.WithLogger(d.Log.Named("dispatcher")),
		service.WithAlerter(d.Alerter),
	}, opts...)
	return service.NewDispatcher(d.Outbox, d.Sink, DispatcherConfig(d.Config.Outbox), opts...)
}

func DispatcherConfig(c config.OutboxConfig) service.DispatcherConfig {
	return service.DispatcherConfig{
		PollInterval:   c.PollInterval,
		BatchSize:      c.BatchSize,
		MaxAttempts:    c.MaxAttempts,
		BackoffBase:    c.BackoffBase,
		BackoffMax:     c.BackoffMax,
		BackoffJitter:  c.BackoffJitter,
		LeaseTimeout:   c.DispatchLeaseTimeout,
		PublishTimeout: c.PublishTimeout,
		Workers:        c.Workers,
		Concurrency:    c.Concurrency,
		PublishRate:    c.PublishRate,
	}
}

func JanitorConfig(c config.JanitorConfig) service.JanitorConfig {
	return service.JanitorConfig{
		Interval:           c.Interval,
		PublishedRetention: c.PublishedRetention,
		BatchSize:          c.BatchSize,
	}
}

// Close 逆序释放资源，返回合并后的错误
func (d *Deps) Close() error {
	if d.sentry != nil {
		d.sentry.Flush(2 * time.Second)
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

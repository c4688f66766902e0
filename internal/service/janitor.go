package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/pkg/clock"
)

type JanitorConfig struct {
	Interval           time.Duration
	PublishedRetention time.Duration
	BatchSize          int
}

// JanitorResult 一轮清理删除的行数
type JanitorResult struct {
	IdempotencyPurged int64
	OutboxPurged      int64
}

// Janitor 保留策略：删除过期幂等记录和早已发布的 outbox 事件。
// 不会动 pending/dispatching/failed 事件。
type Janitor struct {
	idem   repository.IdempotencyRepository
	outbox repository.OutboxRepository
	cfg    JanitorConfig
	clock  clock.Clock
	log    *zap.Logger
	locker Locker
}

// Locker 多副本部署时保证同一时刻只有一个 janitor 执行清理；
// 未获得锁返回 false 且不执行 fn
type Locker interface {
	TryRun(ctx context.Context, fn func(ctx context.Context) error) (bool, error)
}

// WithLocker 设置分布式锁，nil 表示单实例运行
func (j *Janitor) WithLocker(l Locker) *Janitor {
	j.locker = l
	return j
}

func NewJanitor(idem repository.IdempotencyRepository, outbox repository.OutboxRepository, cfg JanitorConfig, clk clock.Clock, log *zap.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.PublishedRetention <= 0 {
		cfg.PublishedRetention = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Janitor{idem: idem, outbox: outbox, cfg: cfg, clock: clk, log: log}
}

func (j *Janitor) RunOnce(ctx context.Context) (JanitorResult, error) {
	var res JanitorResult
	now := j.clock.Now()

	n, err := j.idem.PurgeExpired(ctx, now, j.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.IdempotencyPurged = n

	n, err = j.outbox.PurgePublished(ctx, now.Add(-j.cfg.PublishedRetention), j.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.OutboxPurged = n
	return res, nil
}

// RunExclusive 持锁执行一轮；ran=false 表示锁被其他副本持有
func (j *Janitor) RunExclusive(ctx context.Context) (res JanitorResult, ran bool, err error) {
	if j.locker == nil {
		res, err = j.RunOnce(ctx)
		return res, true, err
	}
	ran, err = j.locker.TryRun(ctx, func(ctx context.Context) error {
		var rerr error
		res, rerr = j.RunOnce(ctx)
		return rerr
	})
	return res, ran, err
}

// Start 与 Dispatcher.Start 相同的停止约定
func (j *Janitor) Start() func(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, ran, err := j.RunExclusive(ctx)
				if !ran && err == nil {
					j.log.Debug("janitor lock held by another instance")
					continue
				}
				if err != nil {
					if ctx.Err() == nil {
						j.log.Warn("janitor run failed", zap.Error(err))
					}
					continue
				}
				if res.IdempotencyPurged+res.OutboxPurged > 0 {
					j.log.Info("janitor purged rows",
						zap.Int64("idempotency_records", res.IdempotencyPurged),
						zap.Int64("outbox_events", res.OutboxPurged))
				}
			}
		}
	}()
	return func(stopCtx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/pkg/clock"
)

// WriteHandler 在 ctx 携带的事务内执行领域写入并返回要缓存的响应。
// 只有 2xx 响应会提交写入；其他状态码回滚，响应照常缓存。
type WriteHandler func(ctx context.Context) (*model.ResponseSnapshot, error)

// Transactor 开启（或加入）一个数据库事务
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Outcome 一次受保护执行的结果；Replayed 表示来自缓存
type Outcome struct {
	Snapshot *model.ResponseSnapshot
	Replayed bool
}

type IdempotencyOptions struct {
	RecordTTL    time.Duration
	LeaseTimeout time.Duration
	// InFlightWait 等待并发重复请求完成的上限，超时返回 InFlightError
	InFlightWait time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// IdempotencyGuard 保证同一 (scope, key, 请求体) 只成功执行一次
type IdempotencyGuard struct {
	store repository.IdempotencyRepository
	tx    Transactor
	opts  IdempotencyOptions
}

func NewIdempotencyGuard(store repository.IdempotencyRepository, tx Transactor, opts IdempotencyOptions) *IdempotencyGuard {
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = 24 * time.Hour
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 30 * time.Second
	}
	if opts.InFlightWait < 0 {
		opts.InFlightWait = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &IdempotencyGuard{store: store, tx: tx, opts: opts}
}

func newInFlightBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         250 * time.Millisecond,
	}
	b.Reset()
	return b
}

// Handle 执行或重放。key 为空时不做去重，直接在事务内执行 next。
func (g *IdempotencyGuard) Handle(ctx context.Context, scope, key string, body []byte, next WriteHandler) (*Outcome, error) {
	if key == "" {
		snap, err := g.runInTx(ctx, next, nil)
		var rejected *rejectedResponse
		if errors.As(err, &rejected) {
			return &Outcome{Snapshot: rejected.snap}, nil
		}
		if err != nil {
			return nil, err
		}
		return &Outcome{Snapshot: snap}, nil
	}

	fp := Fingerprint(body)
	deadline := g.opts.Clock.Now().Add(g.opts.InFlightWait)
	wait := newInFlightBackOff()

	for {
		now := g.opts.Clock.Now()
		rec := &model.IdempotencyRecord{
			Scope:       scope,
			Key:         key,
			Fingerprint: fp,
			LockedUntil: now.Add(g.opts.LeaseTimeout),
			ExpiresAt:   now.Add(g.opts.RecordTTL),
		}
		inserted, err := g.store.TryInsertInProgress(ctx, rec)
		if err != nil {
			return nil, storeUnavailable("insert", err)
		}
		if inserted {
			return g.execute(ctx, scope, key, 1, next)
		}

		existing, err := g.store.Get(ctx, scope, key)
		if err != nil {
			return nil, storeUnavailable("get", err)
		}
		if existing == nil {
			// 记录刚好被清理，重新尝试插入
			continue
		}

		switch {
		case existing.Expired(now), existing.Status == model.IdempotencyFailed, existing.LeaseExpired(now):
			ok, err := g.store.ReclaimExpired(ctx, scope, key, existing.Version, fp, rec.LockedUntil, rec.ExpiresAt)
			if err != nil {
				return nil, storeUnavailable("reclaim", err)
			}
			if ok {
				g.opts.Logger.Info("idempotency record reclaimed",
					zap.String("scope", scope), zap.String("key", key),
					zap.String("previous_status", existing.Status), zap.Int64("version", existing.Version+1))
				return g.execute(ctx, scope, key, existing.Version+1, next)
			}
			// 其他请求抢先回收，重新读取
			continue

		case existing.Status == model.IdempotencyCompleted:
			if existing.Fingerprint != fp {
				return nil, ErrDuplicateKeyConflict
			}
			return &Outcome{Snapshot: existing.Snapshot(), Replayed: true}, nil

		default:
			if existing.Fingerprint != fp {
				return nil, ErrDuplicateKeyConflict
			}
			remaining := deadline.Sub(g.opts.Clock.Now())
			if remaining <= 0 {
				return nil, &InFlightError{RetryAfter: retryAfter(existing.LockedUntil.Sub(now))}
			}
			d := wait.NextBackOff()
			if d > remaining {
				d = remaining
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-g.opts.Clock.After(d):
			}
		}
	}
}

func retryAfter(untilLeaseExpiry time.Duration) time.Duration {
	if untilLeaseExpiry < time.Second {
		return time.Second
	}
	return untilLeaseExpiry.Round(time.Second)
}

// execute 在事务内运行 next；数据库存储时 Complete 与领域写入同一事务提交。
// next 返回非 2xx 响应时领域写入回滚，响应仍被缓存。
func (g *IdempotencyGuard) execute(ctx context.Context, scope, key string, version int64, next WriteHandler) (*Outcome, error) {
	defer func() {
		// gorm 已回滚事务；记录置为 failed 后继续向上 panic，交给 Recovery
		if r := recover(); r != nil {
			g.markFailed(ctx, scope, key, version)
			panic(r)
		}
	}()

	joins := g.store.JoinsTransaction()

	var complete func(ctx context.Context, snap *model.ResponseSnapshot) error
	if joins {
		complete = func(txCtx context.Context, snap *model.ResponseSnapshot) error {
			return g.complete(txCtx, scope, key, version, snap)
		}
	}

	snap, err := g.runInTx(ctx, next, complete)
	var rejected *rejectedResponse
	if errors.As(err, &rejected) {
		if cerr := g.complete(context.WithoutCancel(ctx), scope, key, version, rejected.snap); cerr != nil {
			g.markFailed(ctx, scope, key, version)
			return nil, cerr
		}
		return &Outcome{Snapshot: rejected.snap}, nil
	}
	if err != nil {
		g.markFailed(ctx, scope, key, version)
		return nil, err
	}

	if !joins {
		if cerr := g.store.Complete(context.WithoutCancel(ctx), scope, key, version, snap); cerr != nil {
			// 领域写入已提交，记录停留在 in_progress 直到租约过期
			g.opts.Logger.Error("complete idempotency record after commit",
				zap.String("scope", scope), zap.String("key", key), zap.Error(cerr))
		}
	}
	return &Outcome{Snapshot: snap}, nil
}

func (g *IdempotencyGuard) complete(ctx context.Context, scope, key string, version int64, snap *model.ResponseSnapshot) error {
	if err := g.store.Complete(ctx, scope, key, version, snap); err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			return err
		}
		return storeUnavailable("complete", err)
	}
	return nil
}

// markFailed 请求可能已被取消，失败标记仍需写入
func (g *IdempotencyGuard) markFailed(ctx context.Context, scope, key string, version int64) {
	err := g.store.Fail(context.WithoutCancel(ctx), scope, key, version)
	if err != nil && !errors.Is(err, repository.ErrLeaseLost) {
		g.opts.Logger.Warn("mark idempotency record failed",
			zap.String("scope", scope), zap.String("key", key), zap.Error(err))
	}
}

// rejectedResponse 非 2xx 响应：回滚事务但保留快照
type rejectedResponse struct {
	snap *model.ResponseSnapshot
}

func (e *rejectedResponse) Error() string {
	return fmt.Sprintf("write handler answered %d", e.snap.StatusCode)
}

func (g *IdempotencyGuard) runInTx(ctx context.Context, next WriteHandler, complete func(context.Context, *model.ResponseSnapshot) error) (*model.ResponseSnapshot, error) {
	var snap *model.ResponseSnapshot
	err := g.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		s, err := next(txCtx)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("write handler returned no response")
		}
		if s.StatusCode < 200 || s.StatusCode >= 300 {
			return &rejectedResponse{snap: s}
		}
		if complete != nil {
			if err := complete(txCtx, s); err != nil {
				return err
			}
		}
		snap = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

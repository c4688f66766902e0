package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/pkg/database"
)

// SweepResult 一次租约回收的结果
type SweepResult struct {
	Requeued int
	// Failed 本次因重试次数耗尽被置为 failed 的事件
	Failed []*model.OutboxEvent
}

type OutboxRepository interface {
	// Append 必须在 ctx 携带的领域事务内调用
	Append(ctx context.Context, ev *model.OutboxEvent) error
	// ClaimBatch 认领每个 aggregate 队首的可投递事件，pending -> dispatching
	ClaimBatch(ctx context.Context, limit int, now time.Time, token string) ([]*model.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uint64, token string, at time.Time) error
	MarkRetry(ctx context.Context, id uint64, token string, availableAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uint64, token string, lastErr string) error
	// ExpiredLeases 返回认领时间早于 cutoff 仍处于 dispatching 的事件
	ExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]*model.OutboxEvent, error)
	SweepExpiredLeases(ctx context.Context, cutoff time.Time, maxAttempts, limit int) (*SweepResult, error)

	ListFailed(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	Requeue(ctx context.Context, id uint64, now time.Time) error
	Stats(ctx context.Context) (map[string]int64, error)
	PurgePublished(ctx context.Context, before time.Time, limit int) (int64, error)
}

type outboxRepository struct{ db *gorm.DB }

func NewOutboxRepository(db *gorm.DB) OutboxRepository { return &outboxRepository{db: db} }

func (r *outboxRepository) Append(ctx context.Context, ev *model.OutboxEvent) error {
	tx, ok := database.TxFromContext(ctx)
	if !ok {
		return ErrNoTransaction
	}
	ev.Status = model.OutboxPending
	ev.Version = 1
	ev.Attempts = 0
	if ev.AvailableAt.IsZero() {
		ev.AvailableAt = time.Now()
	}
	ev.AvailableAt = ev.AvailableAt.UTC()
	return tx.Create(ev).Error
}

// 队首条件：同一 aggregate 不存在更早的 pending/dispatching 事件。
// failed 事件不阻塞后续事件。
const claimCandidatesSQL = `
SELECT o.* FROM outbox_events o
WHERE o.status = ? AND o.available_at <= ?
  AND NOT EXISTS (
    SELECT 1 FROM outbox_events p
    WHERE p.aggregate_id = o.aggregate_id AND p.id < o.id AND p.status IN (?, ?)
  )
ORDER BY o.id
LIMIT ?`

func (r *outboxRepository) ClaimBatch(ctx context.Context, limit int, now time.Time, token string) ([]*model.OutboxEvent, error) {
	now = now.UTC()
	conn := database.Conn(ctx, r.db)
	var candidates []*model.OutboxEvent
	if err := conn.Raw(claimCandidatesSQL,
		model.OutboxPending, now, model.OutboxPending, model.OutboxDispatching, limit,
	).Scan(&candidates).Error; err != nil {
		return nil, err
	}

	claimed := make([]*model.OutboxEvent, 0, len(candidates))
	for _, ev := range candidates {
		res := conn.Model(&model.OutboxEvent{}).
			Where("id = ? AND status = ? AND version = ?", ev.ID, model.OutboxPending, ev.Version).
			Updates(map[string]any{
				"status":      model.OutboxDispatching,
				"claim_token": token,
				"claimed_at":  now,
				"version":     ev.Version + 1,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			// 已被其他投递器抢先认领
			continue
		}
		ev.Status = model.OutboxDispatching
		ev.ClaimToken = token
		claimedAt := now
		ev.ClaimedAt = &claimedAt
		ev.Version++
		claimed = append(claimed, ev)
	}
	return claimed, nil
}

func (r *outboxRepository) finish(ctx context.Context, id uint64, token string, updates map[string]any) error {
	updates["version"] = gorm.Expr("version + 1")
	res := database.Conn(ctx, r.db).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, model.OutboxDispatching, token).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id uint64, token string, at time.Time) error {
	return r.finish(ctx, id, token, map[string]any{
		"status":       model.OutboxPublished,
		"published_at": at.UTC(),
		"last_error":   "",
	})
}

func (r *outboxRepository) MarkRetry(ctx context.Context, id uint64, token string, availableAt time.Time, lastErr string) error {
	return r.finish(ctx, id, token, map[string]any{
		"status":       model.OutboxPending,
		"attempts":     gorm.Expr("attempts + 1"),
		"available_at": availableAt.UTC(),
		"last_error":   lastErr,
		"claim_token":  "",
		"claimed_at":   nil,
	})
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uint64, token string, lastErr string) error {
	return r.finish(ctx, id, token, map[string]any{
		"status":      model.OutboxFailed,
		"attempts":    gorm.Expr("attempts + 1"),
		"last_error":  lastErr,
		"claim_token": "",
		"claimed_at":  nil,
	})
}

func (r *outboxRepository) ExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]*model.OutboxEvent, error) {
	var res []*model.OutboxEvent
	err := database.Conn(ctx, r.db).
		Where("status = ? AND claimed_at <= ?", model.OutboxDispatching, cutoff.UTC()).
		Order("id").Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *outboxRepository) SweepExpiredLeases(ctx context.Context, cutoff time.Time, maxAttempts, limit int) (*SweepResult, error) {
	expired, err := r.ExpiredLeases(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}
	result := &SweepResult{}
	const abandoned = "dispatch lease expired"
	for _, ev := range expired {
		if ev.Attempts+1 >= maxAttempts {
			err = r.MarkFailed(ctx, ev.ID, ev.ClaimToken, abandoned)
		} else {
			err = r.MarkRetry(ctx, ev.ID, ev.ClaimToken, ev.AvailableAt, abandoned)
		}
		switch {
		case errors.Is(err, ErrClaimLost):
			// 原投递器在此期间已完成
			continue
		case err != nil:
			return result, err
		}
		ev.Attempts++
		ev.ClaimToken = ""
		ev.ClaimedAt = nil
		if ev.Attempts >= maxAttempts {
			ev.Status = model.OutboxFailed
			ev.LastError = abandoned
			result.Failed = append(result.Failed, ev)
		} else {
			result.Requeued++
		}
	}
	return result, nil
}

func (r *outboxRepository) ListFailed(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	var res []*model.OutboxEvent
	err := database.Conn(ctx, r.db).
		Where("status = ?", model.OutboxFailed).
		Order("id").Limit(limit).
		Find(&res).Error
	return res, err
}

// Requeue 运维操作：failed -> pending，重置重试次数
func (r *outboxRepository) Requeue(ctx context.Context, id uint64, now time.Time) error {
	res := database.Conn(ctx, r.db).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.OutboxFailed).
		Updates(map[string]any{
			"status":       model.OutboxPending,
			"attempts":     0,
			"available_at": now.UTC(),
			"last_error":   "",
			"version":      gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *outboxRepository) Stats(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := database.Conn(ctx, r.db).Model(&model.OutboxEvent{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	stats := map[string]int64{
		model.OutboxPending:     0,
		model.OutboxDispatching: 0,
		model.OutboxPublished:   0,
		model.OutboxFailed:      0,
	}
	for _, r := range rows {
		stats[r.Status] = r.Count
	}
	return stats, nil
}

// PurgePublished 只删除已发布且早于 before 的事件
func (r *outboxRepository) PurgePublished(ctx context.Context, before time.Time, limit int) (int64, error) {
	conn := database.Conn(ctx, r.db)
	ids := conn.Model(&model.OutboxEvent{}).Select("id").
		Where("status = ? AND published_at < ?", model.OutboxPublished, before.UTC()).
		Limit(limit)
	res := conn.Where("id IN (?)", ids).Delete(&model.OutboxEvent{})
	return res.RowsAffected, res.Error
}

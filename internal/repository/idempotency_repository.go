package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/pkg/database"
)

// IdempotencyRepository 幂等记录存储。
// 每一次状态迁移（完成、失败、回收）都会把 version 加一，
// 调用方用自己持有的 version 做乐观并发检查。
type IdempotencyRepository interface {
	// TryInsertInProgress 原子插入 in_progress 记录；(scope, key) 已存在时返回 false
	TryInsertInProgress(ctx context.Context, rec *model.IdempotencyRecord) (bool, error)
	// Get 不存在时返回 nil, nil
	Get(ctx context.Context, scope, key string) (*model.IdempotencyRecord, error)
	Complete(ctx context.Context, scope, key string, version int64, snap *model.ResponseSnapshot) error
	Fail(ctx context.Context, scope, key string, version int64) error
	// ReclaimExpired 以 expectedVersion 为条件把记录重置为新的 in_progress 尝试
	ReclaimExpired(ctx context.Context, scope, key string, expectedVersion int64, fingerprint string, lockedUntil, expiresAt time.Time) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	// JoinsTransaction 为 true 时 Complete 会加入 ctx 中的数据库事务
	JoinsTransaction() bool
}

type idempotencyRepository struct{ db *gorm.DB }

func NewIdempotencyRepository(db *gorm.DB) IdempotencyRepository {
	return &idempotencyRepository{db: db}
}

func (r *idempotencyRepository) JoinsTransaction() bool { return true }

func (r *idempotencyRepository) TryInsertInProgress(ctx context.Context, rec *model.IdempotencyRecord) (bool, error) {
	rec.Status = model.IdempotencyInProgress
	rec.Version = 1
	rec.LockedUntil = rec.LockedUntil.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	res := database.Conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *idempotencyRepository) Get(ctx context.Context, scope, key string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := database.Conn(ctx, r.db).
		Where("scope = ? AND idempotency_key = ?", scope, key).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *idempotencyRepository) Complete(ctx context.Context, scope, key string, version int64, snap *model.ResponseSnapshot) error {
	return r.transition(ctx, scope, key, version, map[string]any{
		"status":          model.IdempotencyCompleted,
		"response_status": snap.StatusCode,
		"response_body":   snap.Body,
		"content_type":    snap.ContentType,
	})
}

func (r *idempotencyRepository) Fail(ctx context.Context, scope, key string, version int64) error {
	return r.transition(ctx, scope, key, version, map[string]any{"status": model.IdempotencyFailed})
}

func (r *idempotencyRepository) transition(ctx context.Context, scope, key string, version int64, updates map[string]any) error {
	updates["version"] = version + 1
	res := database.Conn(ctx, r.db).Model(&model.IdempotencyRecord{}).
		Where("scope = ? AND idempotency_key = ? AND version = ? AND status = ?", scope, key, version, model.IdempotencyInProgress).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *idempotencyRepository) ReclaimExpired(ctx context.Context, scope, key string, expectedVersion int64, fingerprint string, lockedUntil, expiresAt time.Time) (bool, error) {
	res := database.Conn(ctx, r.db).Model(&model.IdempotencyRecord{}).
		Where("scope = ? AND idempotency_key = ? AND version = ?", scope, key, expectedVersion).
		Updates(map[string]any{
			"status":          model.IdempotencyInProgress,
			"fingerprint":     fingerprint,
			"version":         expectedVersion + 1,
			"locked_until":    lockedUntil.UTC(),
			"expires_at":      expiresAt.UTC(),
			"response_status": 0,
			"response_body":   nil,
			"content_type":    "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *idempotencyRepository) PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	now = now.UTC()
	conn := database.Conn(ctx, r.db)
	ids := conn.Model(&model.IdempotencyRecord{}).Select("id").
		Where("expires_at <= ? AND (status <> ? OR locked_until <= ?)", now, model.IdempotencyInProgress, now).
		Limit(limit)
	res := conn.Where("id IN (?)", ids).Delete(&model.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

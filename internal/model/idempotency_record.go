package model

import "time"

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
	IdempotencyFailed     = "failed"
)

// IdempotencyRecord 记录 (scope, key) 第一次执行的结果
type IdempotencyRecord struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	Scope          string    `gorm:"type:varchar(255);uniqueIndex:ux_idem_scope_key,priority:1;not null"`
	Key            string    `gorm:"column:idempotency_key;type:varchar(255);uniqueIndex:ux_idem_scope_key,priority:2;not null"`
	Status         string    `gorm:"type:varchar(16);not null"`
	Fingerprint    string    `gorm:"type:varchar(64);not null"`
	ResponseStatus int
	ResponseBody   []byte
	ContentType    string `gorm:"type:varchar(128)"`
	Version        int64  `gorm:"not null;default:1"`
	LockedUntil    time.Time
	ExpiresAt      time.Time `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// Snapshot 仅在 completed 状态下有意义
func (r *IdempotencyRecord) Snapshot() *ResponseSnapshot {
	if r.Status != IdempotencyCompleted {
		return nil
	}
	return &ResponseSnapshot{StatusCode: r.ResponseStatus, ContentType: r.ContentType, Body: r.ResponseBody}
}

// Expired 记录已过 TTL，key 可以被重新使用
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// LeaseExpired in_progress 租约已过期，视为崩溃遗留
func (r *IdempotencyRecord) LeaseExpired(now time.Time) bool {
	return r.Status == IdempotencyInProgress && !now.Before(r.LockedUntil)
}

package model

import "time"

const (
	OutboxPending     = "pending"
	OutboxDispatching = "dispatching"
	OutboxPublished   = "published"
	OutboxFailed      = "failed"
)

// OutboxEvent 待外发事件，与领域写入同一事务落库
type OutboxEvent struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AggregateID string     `gorm:"type:varchar(64);index:idx_outbox_aggregate;not null" json:"aggregate_id"`
	Type        string     `gorm:"type:varchar(128);not null" json:"type"`
	Payload     []byte     `gorm:"not null" json:"payload"`
	Status      string     `gorm:"type:varchar(16);index:idx_outbox_status_available,priority:1;not null" json:"status"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	AvailableAt time.Time  `gorm:"index:idx_outbox_status_available,priority:2" json:"available_at"`
	ClaimToken  string     `gorm:"type:varchar(36)" json:"-"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	Version     int64      `gorm:"not null;default:1" json:"-"`
	LastError   string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

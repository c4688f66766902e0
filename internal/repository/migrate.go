package repository

import (
	"gorm.io/gorm"

	"github.com/d60-Lab/catalog-outbox/internal/model"
)

// Migrate 创建/更新本服务使用的所有表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.CatalogItem{}, &model.IdempotencyRecord{}, &model.OutboxEvent{})
}

package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/pkg/database"
)

type CatalogRepository interface {
	// Create 返回 false 表示 SKU 已存在，不会中断所在事务
	Create(ctx context.Context, item *model.CatalogItem) (bool, error)
	GetBySKU(ctx context.Context, sku string) (*model.CatalogItem, error)
}

type catalogRepository struct{ db *gorm.DB }

func NewCatalogRepository(db *gorm.DB) CatalogRepository { return &catalogRepository{db: db} }

func (r *catalogRepository) Create(ctx context.Context, item *model.CatalogItem) (bool, error) {
	res := database.Conn(ctx, r.db).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "sku"}}, DoNothing: true}).
		Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *catalogRepository) GetBySKU(ctx context.Context, sku string) (*model.CatalogItem, error) {
	var item model.CatalogItem
	err := database.Conn(ctx, r.db).Where("sku = ?", sku).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

package model

import "time"

// CatalogItem 商品目录条目（写路径示例领域）
type CatalogItem struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SKU        string    `gorm:"type:varchar(64);uniqueIndex:ux_catalog_sku;not null" json:"sku"`
	Name       string    `gorm:"type:varchar(255);not null" json:"name"`
	PriceCents int64     `json:"price_cents"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (CatalogItem) TableName() string { return "catalog_items" }

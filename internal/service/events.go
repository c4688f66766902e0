package service

import "time"

const EventCatalogItemCreated = "catalog.item.created"

// CatalogItemCreated catalog.item.created 事件体
type CatalogItemCreated struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	CreatedAt  time.Time `json:"created_at"`
}

// DefaultRegistry 注册本服务产生的全部事件类型
func DefaultRegistry() *EventRegistry {
	r := NewEventRegistry()
	RegisterJSON[CatalogItemCreated](r, EventCatalogItemCreated)
	return r
}

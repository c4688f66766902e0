package handler

import (
	"gorm.io/gorm"

	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/internal/service"
	"github.com/d60-Lab/catalog-outbox/pkg/clock"
)

// Handler 聚合 HTTP 层依赖
type Handler struct {
	catalogService *service.CatalogService
	outbox         repository.OutboxRepository
	db             *gorm.DB
	clock          clock.Clock
}

func NewHandler(catalogService *service.CatalogService, outbox repository.OutboxRepository, db *gorm.DB, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Handler{catalogService: catalogService, outbox: outbox, db: db, clock: clk}
}

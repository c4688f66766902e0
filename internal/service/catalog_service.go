package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/pkg/clock"
)

type CreateCatalogItemInput struct {
	SKU        string
	Name       string
	PriceCents int64
}

// CatalogService 商品写路径：领域写入与 outbox 事件在同一事务内落库
type CatalogService struct {
	items    repository.CatalogRepository
	outbox   repository.OutboxRepository
	registry *EventRegistry
	tx       Transactor
	clock    clock.Clock
}

func NewCatalogService(items repository.CatalogRepository, outbox repository.OutboxRepository, registry *EventRegistry, tx Transactor, clk clock.Clock) *CatalogService {
	if clk == nil {
		clk = clock.Real()
	}
	return &CatalogService{items: items, outbox: outbox, registry: registry, tx: tx, clock: clk}
}

// Create 写入商品并追加 catalog.item.created 事件。
// ctx 中已有事务（幂等中间件开启）时加入该事务。
func (s *CatalogService) Create(ctx context.Context, in CreateCatalogItemInput) (*model.CatalogItem, error) {
	now := s.clock.Now()
	item := &model.CatalogItem{
		ID:         uuid.New().String(),
		SKU:        in.SKU,
		Name:       in.Name,
		PriceCents: in.PriceCents,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		created, err := s.items.Create(ctx, item)
		if err != nil {
			return err
		}
		if !created {
			return ErrSKUExists
		}
		ev, err := s.registry.NewEvent(EventCatalogItemCreated, item.SKU, CatalogItemCreated{
			ID:         item.ID,
			SKU:        item.SKU,
			Name:       item.Name,
			PriceCents: item.PriceCents,
			CreatedAt:  item.CreatedAt,
		})
		if err != nil {
			return err
		}
		ev.AvailableAt = now
		return s.outbox.Append(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *CatalogService) Get(ctx context.Context, sku string) (*model.CatalogItem, error) {
	return s.items.GetBySKU(ctx, sku)
}

package repository

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/catalog-outbox/internal/model"
)

// CachedCatalogRepository 读路径 cache-aside：GetBySKU 先查 redis，未命中回源并写回。
// 商品创建后不再修改，写路径只透传，不需要失效。
type CachedCatalogRepository struct {
	CatalogRepository
	cache  redis.UniversalClient
	prefix string
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCachedCatalogRepository(base CatalogRepository, cache redis.UniversalClient, prefix string, ttl time.Duration) *CachedCatalogRepository {
	if prefix == "" {
		prefix = "catalog"
	}
	return &CachedCatalogRepository{CatalogRepository: base, cache: cache, prefix: prefix, ttl: ttl}
}

func (r *CachedCatalogRepository) key(sku string) string { return r.prefix + ":sku:" + sku }

func (r *CachedCatalogRepository) GetBySKU(ctx context.Context, sku string) (*model.CatalogItem, error) {
	key := r.key(sku)
	if data, err := r.cache.Get(ctx, key).Bytes(); err == nil {
		var item model.CatalogItem
		if uErr := json.Unmarshal(data, &item); uErr == nil {
			r.hits.Add(1)
			return &item, nil
		}
	}
	r.misses.Add(1)

	item, err := r.CatalogRepository.GetBySKU(ctx, sku)
	if err != nil {
		return nil, err
	}
	// 缓存写失败不影响读结果
	if payload, err := json.Marshal(item); err == nil {
		_ = r.cache.Set(ctx, key, payload, r.ttl).Err()
	}
	return item, nil
}

// CacheCounters 命中与回源次数
type CacheCounters struct {
	Hits   int64
	Misses int64
}

func (r *CachedCatalogRepository) Counters() CacheCounters {
	return CacheCounters{Hits: r.hits.Load(), Misses: r.misses.Load()}
}

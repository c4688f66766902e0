package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/catalog-outbox/config"
	"github.com/d60-Lab/catalog-outbox/internal/app"
	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/internal/service"
	"github.com/d60-Lab/catalog-outbox/internal/sink"
	"github.com/d60-Lab/catalog-outbox/pkg/database"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

// 写路径 -> 投递 的端到端延迟：创建 ITEMS 个商品，等待全部事件被 log sink 确认
func main() {
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	if err := repository.Migrate(db); err != nil {
		panic(err)
	}

	items := envInt("ITEMS", 2000)
	workers := envInt("WORKERS", 2)
	concurrency := envInt("CONCURRENCY", 16)
	batch := envInt("BATCH", 200)
	pollMS := envInt("POLL_MS", 20)

	// 清空表，保证结果可复现（仅用于本地压测）
	_ = db.Where("1 = 1").Delete(&model.OutboxEvent{}).Error
	_ = db.Where("1 = 1").Delete(&model.CatalogItem{}).Error
	_ = db.Where("1 = 1").Delete(&model.IdempotencyRecord{}).Error

	registry := service.DefaultRegistry()
	outbox := repository.NewOutboxRepository(db)
	catalog := service.NewCatalogService(repository.NewCatalogRepository(db), outbox, registry, database.NewTransactor(db), nil)

	dcfg := app.DispatcherConfig(cfg.Outbox)
	dcfg.Workers = workers
	dcfg.Concurrency = concurrency
	dcfg.BatchSize = batch
	dcfg.PollInterval = time.Duration(pollMS) * time.Millisecond
	dispatcher := service.NewDispatcher(outbox, sink.NewLogSink(zap.NewNop(), registry), dcfg)
	stop := dispatcher.Start()
	defer func() { _ = stop(context.Background()) }()

	writes := make([]time.Duration, 0, items)
	start := time.Now()
	for i := 0; i < items; i++ {
		st := time.Now()
		_, err := catalog.Create(context.Background(), service.CreateCatalogItemInput{
			SKU:        fmt.Sprintf("bench-%06d", i),
			Name:       fmt.Sprintf("item %d", i),
			PriceCents: int64(100 + i),
		})
		if err != nil {
			panic(err)
		}
		writes = append(writes, time.Since(st))
	}

	landed := make([]time.Duration, 0, items)
	timeout := time.After(2 * time.Minute)
collect:
	for len(landed) < items {
		select {
		case d := <-dispatcher.Metrics():
			landed = append(landed, d)
		case <-timeout:
			fmt.Printf("timeout while waiting for dispatch metrics: got=%d want=%d\n", len(landed), items)
			break collect
		}
	}
	total := time.Since(start)

	fmt.Printf("driver=%s ITEMS=%d WORKERS=%d CONCURRENCY=%d BATCH=%d POLL=%dms\n",
		cfg.Database.Driver, items, workers, concurrency, batch, pollMS)
	fmt.Printf("Write tx latency: avg=%v p95=%v p99=%v\n", avg(writes), pct(writes, 0.95), pct(writes, 0.99))
	fmt.Printf("Dispatch latency (append->published): samples=%d avg=%v p95=%v p99=%v\n",
		len(landed), avg(landed), pct(landed, 0.95), pct(landed, 0.99))
	if total > 0 {
		fmt.Printf("Throughput: %.0f events/s over %v\n", float64(len(landed))/total.Seconds(), total.Round(time.Millisecond))
	}

	stats := must(outbox.Stats(context.Background()))
	fmt.Printf("Outbox: pending=%d dispatching=%d published=%d failed=%d\n",
		stats[model.OutboxPending], stats[model.OutboxDispatching], stats[model.OutboxPublished], stats[model.OutboxFailed])
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/catalog-outbox/config"
	"github.com/d60-Lab/catalog-outbox/internal/api"
	"github.com/d60-Lab/catalog-outbox/internal/api/handler"
	"github.com/d60-Lab/catalog-outbox/internal/app"
	"github.com/d60-Lab/catalog-outbox/internal/service"
	"github.com/d60-Lab/catalog-outbox/pkg/clock"
	"github.com/d60-Lab/catalog-outbox/pkg/database"
	"github.com/d60-Lab/catalog-outbox/pkg/lock"
	"github.com/d60-Lab/catalog-outbox/pkg/logger"
	"github.com/d60-Lab/catalog-outbox/pkg/tracing"
)

// @title Catalog Outbox API
// @version 1.0
// @description Catalog write path with idempotency keys and a transactional outbox.
// @BasePath /
func main() {
	if err := run(); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	log := logger.L()
	gin.SetMode(cfg.Server.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.App.Name, cfg.Tracing)
	if err != nil {
		return err
	}

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.Warn("close resources", zap.Error(err))
		}
	}()

	store, err := deps.IdempotencyStore()
	if err != nil {
		return err
	}
	clk := clock.Real()
	tx := database.NewTransactor(deps.DB)
	guard := service.NewIdempotencyGuard(store, tx, service.IdempotencyOptions{
		RecordTTL:    cfg.Idempotency.RecordTTL,
		LeaseTimeout: cfg.Idempotency.LeaseTimeout,
		InFlightWait: cfg.Idempotency.InFlightWait,
		Clock:        clk,
		Logger:       log.Named("idempotency"),
	})
	catalog := service.NewCatalogService(deps.CatalogRepository(), deps.Outbox, deps.Registry, tx, clk)

	var stoppers []func(context.Context) error
	if cfg.Outbox.Embedded {
		stoppers = append(stoppers, deps.Dispatcher().Start())
		log.Info("embedded outbox dispatcher started", zap.String("sink", cfg.Sink.Kind), zap.Int("workers", cfg.Outbox.Workers))
	}
	if cfg.Janitor.Enabled {
		j := service.NewJanitor(store, deps.Outbox, app.JanitorConfig(cfg.Janitor), clk, log.Named("janitor"))
		if deps.Redis != nil {
			j.WithLocker(lock.NewRedisLock(deps.Redis, cfg.App.Name+":janitor", cfg.Janitor.Interval))
		}
		stoppers = append(stoppers, j.Start())
	}

	router := api.NewRouter(handler.NewHandler(catalog, deps.Outbox, deps.DB, clk), guard, api.RouterOptions{
		ServiceName:  cfg.App.Name,
		Logger:       log.Named("http"),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	// 先停 HTTP 再停后台协程，未投递的事件留在表里由下次启动继续
	for _, s := range stoppers {
		if err := s(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/d60-Lab/catalog-outbox/config"
	"github.com/d60-Lab/catalog-outbox/internal/app"
	"github.com/d60-Lab/catalog-outbox/pkg/logger"
	"github.com/d60-Lab/catalog-outbox/pkg/tracing"
)

// 独立运行的 outbox 投递器，可与 API 进程分开水平扩展
func main() {
	if err := run(); err != nil {
		logger.Error("dispatcher exited", zap.Error(err))
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.App.Name+"-dispatcher", cfg.Tracing)
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

	stopDispatcher := deps.Dispatcher().Start()
	log.Info("outbox dispatcher started",
		zap.String("sink", cfg.Sink.Kind),
		zap.Int("workers", cfg.Outbox.Workers),
		zap.Duration("poll_interval", cfg.Outbox.PollInterval))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(stopDispatcher(shutdownCtx), shutdownTracing(shutdownCtx))
}

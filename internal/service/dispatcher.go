package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/internal/repository"
	"github.com/d60-Lab/catalog-outbox/pkg/alert"
	"github.com/d60-Lab/catalog-outbox/pkg/clock"
)

const instrumentationName = "github.com/d60-Lab/catalog-outbox/outbox"

// EventSink 外部事件接收方，至少一次语义；返回 nil 即确认
type EventSink interface {
	Publish(ctx context.Context, ev *model.OutboxEvent) error
}

// DeliveryVerifier 可选：sink 能确认某事件是否已送达（用于回收过期租约前检查）
type DeliveryVerifier interface {
	Delivered(ctx context.Context, ev *model.OutboxEvent) (bool, error)
}

type DispatcherConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	LeaseTimeout   time.Duration
	PublishTimeout time.Duration
	Workers        int
	Concurrency    int
	// PublishRate 每秒最多投递数，0 表示不限速
	PublishRate float64
}

// DispatchResult 一轮投递的统计
type DispatchResult struct {
	Verified  int
	Swept     int
	Claimed   int
	Published int
	Retried   int
	Failed    int
}

// Dispatcher 轮询 outbox，投递到 sink 并推进事件状态。
// 认领状态全部落在存储里，多个进程可以同时运行。
type Dispatcher struct {
	repo    repository.OutboxRepository
	sink    EventSink
	cfg     DispatcherConfig
	clock   clock.Clock
	alerter alert.Alerter
	log     *zap.Logger
	limiter *rate.Limiter

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	published      metric.Int64Counter
	retried        metric.Int64Counter
	failed         metric.Int64Counter
	latency        metric.Float64Histogram

	metricsCh chan time.Duration // created -> published
}

type DispatcherOption func(*Dispatcher)

func WithClock(c clock.Clock) DispatcherOption { return func(d *Dispatcher) { d.clock = c } }

func WithAlerter(a alert.Alerter) DispatcherOption { return func(d *Dispatcher) { d.alerter = a } }

func WithLogger(l *zap.Logger) DispatcherOption { return func(d *Dispatcher) { d.log = l } }

func WithTracerProvider(tp trace.TracerProvider) DispatcherOption {
	return func(d *Dispatcher) { d.tracerProvider = tp }
}

func WithMeterProvider(mp metric.MeterProvider) DispatcherOption {
	return func(d *Dispatcher) { d.meterProvider = mp }
}

func NewDispatcher(repo repository.OutboxRepository, sink EventSink, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	d := &Dispatcher{
		repo:      repo,
		sink:      sink,
		cfg:       cfg,
		clock:     clock.Real(),
		log:       zap.NewNop(),
		metricsCh: make(chan time.Duration, 65536),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.alerter == nil {
		d.alerter = alert.NewLogAlerter(d.log)
	}
	if d.tracerProvider == nil {
		d.tracerProvider = otel.GetTracerProvider()
	}
	if d.meterProvider == nil {
		d.meterProvider = otel.GetMeterProvider()
	}
	if cfg.PublishRate > 0 {
		burst := int(cfg.PublishRate)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}

	d.tracer = d.tracerProvider.Tracer(instrumentationName)
	meter := d.meterProvider.Meter(instrumentationName)
	// 注册失败时 otel 返回可用的 no-op instrument
	d.published, _ = meter.Int64Counter("outbox.events.published", metric.WithDescription("events acknowledged by the sink"))
	d.retried, _ = meter.Int64Counter("outbox.events.retried", metric.WithDescription("publish attempts scheduled for retry"))
	d.failed, _ = meter.Int64Counter("outbox.events.failed", metric.WithDescription("events moved to the failed queue"))
	d.latency, _ = meter.Float64Histogram("outbox.dispatch.latency", metric.WithUnit("s"), metric.WithDescription("time from append to publish"))
	return d
}

// Metrics 事件从写入到发布的延迟采样
func (d *Dispatcher) Metrics() <-chan time.Duration { return d.metricsCh }

// Start 启动 workers 个轮询协程；返回的停止函数等待协程退出或 ctx 超时
func (d *Dispatcher) Start() func(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.loop(ctx, worker)
		}(i)
	}
	return func(stopCtx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

func (d *Dispatcher) loop(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.DispatchOnce(ctx)
			if err != nil && ctx.Err() == nil {
				d.log.Warn("outbox dispatch cycle failed", zap.Int("worker", worker), zap.Error(err))
			}
			if res != nil && res.Claimed+res.Swept > 0 {
				d.log.Debug("outbox dispatch cycle",
					zap.Int("worker", worker),
					zap.Int("claimed", res.Claimed),
					zap.Int("published", res.Published),
					zap.Int("retried", res.Retried),
					zap.Int("failed", res.Failed),
					zap.Int("swept", res.Swept))
			}
		}
	}
}

// DispatchOnce 执行一轮：回收过期租约、认领、并发投递、推进状态
func (d *Dispatcher) DispatchOnce(ctx context.Context) (*DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	res := &DispatchResult{}
	if err := d.sweep(ctx, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep")
		return res, err
	}

	token := uuid.NewString()
	batch, err := d.repo.ClaimBatch(ctx, d.cfg.BatchSize, d.clock.Now(), token)
	res.Claimed = len(batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim")
		// 已认领的部分仍然投递，其余留给租约回收
		if len(batch) == 0 {
			return res, err
		}
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(batch)))

	// 同一批次内每个 aggregate 至多一个事件，可以安全并发
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.Concurrency)
	for _, ev := range batch {
		ev := ev
		g.Go(func() error {
			outcome, perr := d.publishOne(ctx, ev, token)
			mu.Lock()
			switch outcome {
			case outcomePublished:
				res.Published++
			case outcomeRetried:
				res.Retried++
			case outcomeFailed:
				res.Failed++
			}
			mu.Unlock()
			return perr
		})
	}
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch")
	}
	return res, err
}

func (d *Dispatcher) sweep(ctx context.Context, res *DispatchResult) error {
	now := d.clock.Now()
	cutoff := now.Add(-d.cfg.LeaseTimeout)

	if v, ok := d.sink.(DeliveryVerifier); ok {
		expired, err := d.repo.ExpiredLeases(ctx, cutoff, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, ev := range expired {
			delivered, err := v.Delivered(ctx, ev)
			if err != nil {
				d.log.Warn("verify outbox delivery", zap.Uint64("event_id", ev.ID), zap.Error(err))
				continue
			}
			if !delivered {
				continue
			}
			if err := d.repo.MarkPublished(ctx, ev.ID, ev.ClaimToken, now); err != nil {
				if errors.Is(err, repository.ErrClaimLost) {
					continue
				}
				return err
			}
			res.Verified++
			d.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
			d.log.Info("outbox lease expired but event was delivered", zap.Uint64("event_id", ev.ID))
		}
	}

	swept, err := d.repo.SweepExpiredLeases(ctx, cutoff, d.cfg.MaxAttempts, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	res.Swept = swept.Requeued + len(swept.Failed)
	if swept.Requeued > 0 {
		d.log.Warn("requeued outbox events with expired dispatch lease", zap.Int("count", swept.Requeued))
	}
	for _, ev := range swept.Failed {
		res.Failed++
		d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
		d.raise(ctx, ev, ev.Attempts, ev.LastError, "attempts exhausted")
	}
	return nil
}

type publishOutcome int

const (
	outcomeNone publishOutcome = iota
	outcomePublished
	outcomeRetried
	outcomeFailed
)

func (d *Dispatcher) publishOne(ctx context.Context, ev *model.OutboxEvent, token string) (publishOutcome, error) {
	// 状态写回不受轮询 ctx 取消影响
	markCtx := context.WithoutCancel(ctx)

	var err error
	if d.limiter != nil {
		err = d.limiter.Wait(ctx)
	}
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
		err = d.sink.Publish(pctx, ev)
		cancel()
	}
	now := d.clock.Now()
	fields := []zap.Field{zap.Uint64("event_id", ev.ID), zap.String("aggregate_id", ev.AggregateID), zap.String("type", ev.Type)}

	if err == nil {
		if merr := d.repo.MarkPublished(markCtx, ev.ID, token, now); merr != nil {
			return d.markError(merr, fields)
		}
		d.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
		if !ev.CreatedAt.IsZero() {
			lat := time.Since(ev.CreatedAt)
			d.latency.Record(ctx, lat.Seconds(), metric.WithAttributes(attribute.String("type", ev.Type)))
			select {
			case d.metricsCh <- lat:
			default:
			}
		}
		return outcomePublished, nil
	}

	attempts := ev.Attempts + 1
	lastErr := sanitizeError(err)
	fields = append(fields, zap.Int("attempts", attempts), zap.Error(err))

	if IsPermanent(err) || attempts >= d.cfg.MaxAttempts {
		if merr := d.repo.MarkFailed(markCtx, ev.ID, token, lastErr); merr != nil {
			return d.markError(merr, fields)
		}
		d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
		reason := "attempts exhausted"
		if IsPermanent(err) {
			reason = "permanent sink error"
		}
		d.raise(markCtx, ev, attempts, lastErr, reason)
		return outcomeFailed, nil
	}

	delay := d.RetryDelay(attempts)
	if merr := d.repo.MarkRetry(markCtx, ev.ID, token, now.Add(delay), lastErr); merr != nil {
		return d.markError(merr, fields)
	}
	d.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
	d.log.Warn("outbox publish failed, retry scheduled", append(fields, zap.Duration("retry_in", delay))...)
	return outcomeRetried, nil
}

func (d *Dispatcher) markError(err error, fields []zap.Field) (publishOutcome, error) {
	if errors.Is(err, repository.ErrClaimLost) {
		// 租约已被回收，事件会再次投递
		d.log.Warn("outbox claim lost before state update", fields...)
		return outcomeNone, nil
	}
	return outcomeNone, err
}

func (d *Dispatcher) raise(ctx context.Context, ev *model.OutboxEvent, attempts int, lastErr, reason string) {
	a := alert.Alert{
		Title: "outbox event moved to failed queue",
		Fields: map[string]string{
			"event_id":     strconv.FormatUint(ev.ID, 10),
			"aggregate_id": ev.AggregateID,
			"type":         ev.Type,
			"attempts":     strconv.Itoa(attempts),
			"reason":       reason,
			"last_error":   lastErr,
		},
	}
	if err := d.alerter.Notify(ctx, a); err != nil {
		d.log.Error("send outbox alert", zap.Uint64("event_id", ev.ID), zap.Error(err))
	}
}

// RetryDelay 第 attempts 次失败后的等待时间：指数增长，按 BackoffJitter 随机化，封顶 BackoffMax
func (d *Dispatcher) RetryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.BackoffBase,
		RandomizationFactor: d.cfg.BackoffJitter,
		Multiplier:          2,
		MaxInterval:         d.cfg.BackoffMax,
	}
	b.Reset()
	delay := d.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	if delay > d.cfg.BackoffMax {
		delay = d.cfg.BackoffMax
	}
	return delay
}

const maxErrorLen = 512

func sanitizeError(err error) string {
	s := strings.ToValidUTF8(err.Error(), "\uFFFD")
	if len(s) <= maxErrorLen {
		return s
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

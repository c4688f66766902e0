package sink

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/catalog-outbox/config"
	"github.com/d60-Lab/catalog-outbox/internal/service"
)

// New 按 sink.kind 构造投递目标；返回的 close 函数释放底层连接
func New(cfg config.SinkConfig, rdb redis.UniversalClient, registry *service.EventRegistry, log *zap.Logger) (service.EventSink, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Kind {
	case "", "log":
		return NewLogSink(log, registry), noop, nil
	case "redis":
		if rdb == nil {
			return nil, nil, errors.New("redis sink requires a redis client")
		}
		return NewRedisStreamSink(rdb, cfg.Redis.Stream, cfg.Redis.DedupTTL), noop, nil
	case "webhook":
		return NewWebhookSink(WebhookConfig{
			URL:              cfg.Webhook.URL,
			Secret:           cfg.Webhook.Secret,
			Timeout:          cfg.Webhook.Timeout,
			BreakerThreshold: cfg.Webhook.BreakerThreshold,
			BreakerCooldown:  cfg.Webhook.BreakerCooldown,
		}, nil), noop, nil
	case "amqp":
		ch, err := DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Confirm)
		if err != nil {
			return nil, nil, err
		}
		return NewAMQPSink(ch, cfg.AMQP.Exchange), ch.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}

package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/internal/service"
)

// LogSink 把事件写成一行结构化日志；配置了 registry 时先解码校验
type LogSink struct {
	log      *zap.Logger
	registry *service.EventRegistry
}

func NewLogSink(log *zap.Logger, registry *service.EventRegistry) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log, registry: registry}
}

func (s *LogSink) Publish(_ context.Context, ev *model.OutboxEvent) error {
	fields := []zap.Field{
		zap.Uint64("event_id", ev.ID),
		zap.String("aggregate_id", ev.AggregateID),
		zap.String("type", ev.Type),
		zap.Int("attempts", ev.Attempts),
	}
	if s.registry != nil {
		v, err := s.registry.Decode(ev)
		if err != nil {
			return service.Permanent(err)
		}
		fields = append(fields, zap.Any("payload", v))
	} else {
		fields = append(fields, zap.ByteString("payload", ev.Payload))
	}
	s.log.Info("outbox event", fields...)
	return nil
}

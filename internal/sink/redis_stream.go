package sink

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/catalog-outbox/internal/model"
)

// 投递标记与 XADD 在同一脚本内执行：标记已存在时不再追加，重复投递是空操作
var streamPublishScript = redis.NewScript(`
if not redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 0
end
redis.call('XADD', KEYS[1], '*',
  'event_id', ARGV[1], 'aggregate_id', ARGV[3], 'type', ARGV[4],
  'payload', ARGV[5], 'created_at', ARGV[6])
return 1
`)

// RedisStreamSink 投递到 redis stream，按事件 id 去重
type RedisStreamSink struct {
	rdb      redis.UniversalClient
	stream   string
	dedupTTL time.Duration
}

func NewRedisStreamSink(rdb redis.UniversalClient, stream string, dedupTTL time.Duration) *RedisStreamSink {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &RedisStreamSink{rdb: rdb, stream: stream, dedupTTL: dedupTTL}
}

func (s *RedisStreamSink) markerKey(id uint64) string {
	return s.stream + ":delivered:" + strconv.FormatUint(id, 10)
}

func (s *RedisStreamSink) Publish(ctx context.Context, ev *model.OutboxEvent) error {
	return streamPublishScript.Run(ctx, s.rdb,
		[]string{s.stream, s.markerKey(ev.ID)},
		strconv.FormatUint(ev.ID, 10),
		s.dedupTTL.Milliseconds(),
		ev.AggregateID,
		ev.Type,
		ev.Payload,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
}

// Delivered 实现 service.DeliveryVerifier
func (s *RedisStreamSink) Delivered(ctx context.Context, ev *model.OutboxEvent) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.markerKey(ev.ID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/pkg/clock"
)

// 每条记录是一个 hash，key 过期由 redis 自身 TTL 负责。
// 所有迁移都用 Lua 脚本在服务端原子执行。
var (
	idemInsertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

	idemTransitionScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'version') ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'status') ~= 'in_progress' then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
return 1
`)

	idemReclaimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'version') ~= ARGV[1] then return 0 end
redis.call('HDEL', KEYS[1], 'response_status', 'response_body', 'content_type')
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)
)

type redisIdempotencyRepository struct {
	rdb    redis.UniversalClient
	prefix string
	clock  clock.Clock
}

// NewRedisIdempotencyRepository 基于 redis 的幂等存储，不参与数据库事务
func NewRedisIdempotencyRepository(rdb redis.UniversalClient, prefix string, clk clock.Clock) IdempotencyRepository {
	if prefix == "" {
		prefix = "idem"
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &redisIdempotencyRepository{rdb: rdb, prefix: prefix, clock: clk}
}

func (r *redisIdempotencyRepository) JoinsTransaction() bool { return false }

func (r *redisIdempotencyRepository) key(scope, key string) string {
	return r.prefix + ":" + scope + ":" + key
}

func (r *redisIdempotencyRepository) ttlMillis(expiresAt time.Time) int64 {
	ms := expiresAt.Sub(r.clock.Now()).Milliseconds()
	if ms < 1000 {
		ms = 1000
	}
	return ms
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (r *redisIdempotencyRepository) TryInsertInProgress(ctx context.Context, rec *model.IdempotencyRecord) (bool, error) {
	now := r.clock.Now()
	rec.Status = model.IdempotencyInProgress
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	n, err := idemInsertScript.Run(ctx, r.rdb, []string{r.key(rec.Scope, rec.Key)},
		r.ttlMillis(rec.ExpiresAt),
		"scope", rec.Scope,
		"key", rec.Key,
		"status", rec.Status,
		"fingerprint", rec.Fingerprint,
		"version", rec.Version,
		"locked_until", formatTime(rec.LockedUntil),
		"expires_at", formatTime(rec.ExpiresAt),
		"created_at", formatTime(now),
		"updated_at", formatTime(now),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisIdempotencyRepository) Get(ctx context.Context, scope, key string) (*model.IdempotencyRecord, error) {
	m, err := r.rdb.HGetAll(ctx, r.key(scope, key)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	rec := &model.IdempotencyRecord{
		Scope:       m["scope"],
		Key:         m["key"],
		Status:      m["status"],
		Fingerprint: m["fingerprint"],
		ContentType: m["content_type"],
	}
	if v, ok := m["response_body"]; ok {
		rec.ResponseBody = []byte(v)
	}
	if err := decodeRecordFields(rec, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, r.key(scope, key), err)
	}
	return rec, nil
}

// decodeRecordFields 任一字段缺失或格式错误都视为损坏，不能当作过期记录回收
func decodeRecordFields(rec *model.IdempotencyRecord, m map[string]string) error {
	var err error
	if rec.Version, err = strconv.ParseInt(m["version"], 10, 64); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if v, ok := m["response_status"]; ok {
		if rec.ResponseStatus, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("response_status: %w", err)
		}
	}
	times := []struct {
		field string
		dst   *time.Time
	}{
		{"locked_until", &rec.LockedUntil},
		{"expires_at", &rec.ExpiresAt},
		{"created_at", &rec.CreatedAt},
		{"updated_at", &rec.UpdatedAt},
	}
	for _, f := range times {
		if *f.dst, err = time.Parse(time.RFC3339Nano, m[f.field]); err != nil {
			return fmt.Errorf("%s: %w", f.field, err)
		}
	}
	return nil
}

func (r *redisIdempotencyRepository) Complete(ctx context.Context, scope, key string, version int64, snap *model.ResponseSnapshot) error {
	return r.transition(ctx, scope, key, version,
		"status", model.IdempotencyCompleted,
		"response_status", snap.StatusCode,
		"response_body", snap.Body,
		"content_type", snap.ContentType,
	)
}

func (r *redisIdempotencyRepository) Fail(ctx context.Context, scope, key string, version int64) error {
	return r.transition(ctx, scope, key, version, "status", model.IdempotencyFailed)
}

func (r *redisIdempotencyRepository) transition(ctx context.Context, scope, key string, version int64, fields ...any) error {
	args := append([]any{strconv.FormatInt(version, 10)}, fields...)
	args = append(args, "version", version+1, "updated_at", formatTime(r.clock.Now()))
	n, err := idemTransitionScript.Run(ctx, r.rdb, []string{r.key(scope, key)}, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *redisIdempotencyRepository) ReclaimExpired(ctx context.Context, scope, key string, expectedVersion int64, fingerprint string, lockedUntil, expiresAt time.Time) (bool, error) {
	n, err := idemReclaimScript.Run(ctx, r.rdb, []string{r.key(scope, key)},
		strconv.FormatInt(expectedVersion, 10),
		r.ttlMillis(expiresAt),
		"status", model.IdempotencyInProgress,
		"fingerprint", fingerprint,
		"version", expectedVersion+1,
		"locked_until", formatTime(lockedUntil),
		"expires_at", formatTime(expiresAt),
		"updated_at", formatTime(r.clock.Now()),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PurgeExpired redis 依靠 key TTL 自动清理
func (r *redisIdempotencyRepository) PurgeExpired(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

// Package lock provides a redis-backed mutex for work that must run on a
// single replica at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisLock is a non-blocking redsync mutex. TryRun never waits for a holder.
type RedisLock struct {
	rs     *redsync.Redsync
	name   string
	expiry time.Duration
}

// NewRedisLock builds a lock named name. expiry bounds how long a crashed
// holder keeps other replicas out; it should exceed one run of fn.
func NewRedisLock(rdb redis.UniversalClient, name string, expiry time.Duration) *RedisLock {
	if expiry <= 0 {
		expiry = time.Minute
	}
	return &RedisLock{rs: redsync.New(goredis.NewPool(rdb)), name: name, expiry: expiry}
}

// TryRun runs fn while holding the lock. It returns false without calling fn
// when another holder has it.
func (l *RedisLock) TryRun(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	m := l.rs.NewMutex(l.name, redsync.WithExpiry(l.expiry), redsync.WithTries(1))
	if err := m.LockContext(ctx); err != nil {
		if isContention(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", l.name, err)
	}
	defer func() {
		// the lock may already belong to someone else if fn outlived expiry
		_, _ = m.UnlockContext(context.WithoutCancel(ctx))
	}()
	return true, fn(ctx)
}

func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another worker holds the tick lock.
var ErrLockHeld = errors.New("scheduler: lock held by another worker")

// Locker hands out a lease on key. The returned function releases it and
// may be called more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// LocalLocker is a Locker for a single worker process.
type LocalLocker struct{}

func (LocalLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

// unlockLua deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker leases keys with SET NX and a TTL.
type RedisLocker struct {
	rdb    *redis.Client
	unlock *redis.Script
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, unlock: redis.NewScript(unlockLua)}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlock.Run(ctx, l.rdb, []string{key}, token).Err()
	}, nil
}

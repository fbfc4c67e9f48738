package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript moves the expiry only if the key still holds the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with Redis keys set by SET NX PX.
type RedisLocker struct {
	client   *redis.Client
	prefix   string
	instance string
}

// NewRedisLocker creates a new RedisLocker.
func NewRedisLocker(client *redis.Client, instance string) *RedisLocker {
	return &RedisLocker{
		client:   client,
		prefix:   "lock:",
		instance: instance,
	}
}

func (l *RedisLocker) redisKey(key string) string {
	return l.prefix + key
}

// Acquire attempts to acquire a lock.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.redisKey(key), HolderFrom(ctx, l.instance), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire redis lock: %w", err)
	}
	return ok, nil
}

// AcquireWithRetry attempts to acquire a lock with retries.
func (l *RedisLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error) {
	return retryAcquire(ctx, maxRetries, retryDelay, nil, func() (bool, error) {
		return l.Acquire(ctx, key, ttl)
	})
}

// Release releases a lock held by the caller.
func (l *RedisLocker) Release(ctx context.Context, key string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.redisKey(key)}, HolderFrom(ctx, l.instance)).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release redis lock: %w", err)
	}
	return n == 1, nil
}

// Extend extends the TTL of a lock held by the caller.
func (l *RedisLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.redisKey(key)}, HolderFrom(ctx, l.instance), ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend redis lock: %w", err)
	}
	return n == 1, nil
}

// IsHeld checks if the lock is currently held.
func (l *RedisLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check redis lock: %w", err)
	}
	return n > 0, nil
}

// Ensure RedisLocker implements Locker
var _ Locker = (*RedisLocker)(nil)

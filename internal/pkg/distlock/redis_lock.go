package distlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller's token still owns it,
// so a slow worker cannot release a lock re-acquired by someone else.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLocker implements Locker with SET NX PX on lock:{resource}.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a Redis-backed lock manager.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Key returns the Redis key guarding resource.
func Key(resource string) string { return fmt.Sprintf("lock:%s", resource) }

// Acquire tries once to take the lock.
func (l *RedisLocker) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, Key(resource), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("distlock: acquire %s: %w", resource, err)
	}
	if !ok {
		return "", ErrBusy
	}
	return token, nil
}

// Release releases the lock only if token still owns it.
func (l *RedisLocker) Release(ctx context.Context, resource, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{Key(resource)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("distlock: release %s: %w", resource, err)
	}
	return n == 1, nil
}

// Extend extends the lock TTL for long-running critical sections.
func (l *RedisLocker) Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{Key(resource)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("distlock: extend %s: %w", resource, err)
	}
	return n == 1, nil
}

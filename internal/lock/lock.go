// Package lock provides a Redis-backed distributed lock keyed by dealer
// account. An account is one logical session on the provider portal, so two
// workers must never drive it at the same time. The TTL gives crash recovery:
// if a worker dies mid-operation the lock expires and the account becomes
// selectable again.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the Redis key prefix for lock entries.
const DefaultKeyPrefix = "account:lock:"

// releaseScript deletes the lock only when the current holder matches the
// caller. Single round trip, so a worker can never delete a lock that expired
// and was re-acquired by someone else.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// extendScript refreshes the TTL only when the current holder matches the
// caller.
var extendScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// RedisLock implements per-resource mutual exclusion with TTL on Redis.
type RedisLock struct {
	redis  redis.Cmdable
	prefix string
}

// NewRedisLock creates a lock primitive on the given Redis client.
func NewRedisLock(client redis.Cmdable) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisLock{redis: client, prefix: DefaultKeyPrefix}, nil
}

func (l *RedisLock) key(resourceID string) string {
	return l.prefix + resourceID
}

// Acquire attempts an atomic set-if-absent with expiry. Returns true only if
// this call created the lock.
func (l *RedisLock) Acquire(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("lock ttl must be positive")
	}

	ok, err := l.redis.SetNX(ctx, l.key(resourceID), ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for %s: %w", resourceID, err)
	}

	return ok, nil
}

// Release deletes the lock only if ownerID still holds it. Returns whether
// the lock was deleted.
func (l *RedisLock) Release(ctx context.Context, resourceID, ownerID string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, l.redis, []string{l.key(resourceID)}, ownerID).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock for %s: %w", resourceID, err)
	}

	return deleted == 1, nil
}

// Extend refreshes the TTL only if ownerID still holds the lock.
func (l *RedisLock) Extend(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("lock ttl must be positive")
	}

	extended, err := extendScript.Run(ctx, l.redis, []string{l.key(resourceID)}, ownerID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock for %s: %w", resourceID, err)
	}

	return extended == 1, nil
}

// IsLocked reports whether any owner currently holds the resource.
func (l *RedisLock) IsLocked(ctx context.Context, resourceID string) (bool, error) {
	count, err := l.redis.Exists(ctx, l.key(resourceID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock for %s: %w", resourceID, err)
	}

	return count > 0, nil
}

// Owner returns the current holder, or "" when the resource is unlocked.
func (l *RedisLock) Owner(ctx context.Context, resourceID string) (string, error) {
	owner, err := l.redis.Get(ctx, l.key(resourceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read lock owner for %s: %w", resourceID, err)
	}

	return owner, nil
}

// ForceRelease unconditionally deletes the lock. Administrative recovery path
// for a crashed worker whose TTL has not yet expired.
func (l *RedisLock) ForceRelease(ctx context.Context, resourceID string) error {
	if err := l.redis.Del(ctx, l.key(resourceID)).Err(); err != nil {
		return fmt.Errorf("failed to force release lock for %s: %w", resourceID, err)
	}
	return nil
}

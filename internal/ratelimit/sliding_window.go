// Package ratelimit provides a Redis-backed sliding window request counter
// keyed by dealer account. The window protects each account from tripping the
// provider portal's own anti-abuse limits.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the Redis key prefix for rate-limit windows.
const DefaultKeyPrefix = "account:reqs:"

// checkScript prunes entries older than the window and returns the count of
// requests inside [now-window, now].
var checkScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window - 1)
	return redis.call('ZCARD', key)
`)

// recordScript prunes, adds a timestamped entry and refreshes the key expiry
// in one round trip.
var recordScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local member = ARGV[3]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window - 1)
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return redis.call('ZCARD', key)
`)

// CheckResult reports the outcome of a limit check.
type CheckResult struct {
	Allowed      bool
	CurrentCount int
}

// SlidingWindowLimiter counts timestamped requests per resource over a
// trailing window stored in a Redis sorted set. Scores and members carry the
// request's unix-milli timestamp.
type SlidingWindowLimiter struct {
	redis  redis.Cmdable
	prefix string
}

// NewSlidingWindowLimiter creates a limiter on the given Redis client.
func NewSlidingWindowLimiter(client redis.Cmdable) (*SlidingWindowLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &SlidingWindowLimiter{redis: client, prefix: DefaultKeyPrefix}, nil
}

func (l *SlidingWindowLimiter) key(resourceID string) string {
	return l.prefix + resourceID
}

// CheckLimit reports whether the resource is under max requests within the
// trailing window, along with the current in-window count.
func (l *SlidingWindowLimiter) CheckLimit(ctx context.Context, resourceID string, max int, window time.Duration) (*CheckResult, error) {
	if max <= 0 {
		return &CheckResult{Allowed: false, CurrentCount: 0}, nil
	}

	now := time.Now().UnixMilli()
	count, err := checkScript.Run(ctx, l.redis, []string{l.key(resourceID)},
		now, window.Milliseconds()).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit for %s: %w", resourceID, err)
	}

	return &CheckResult{
		Allowed:      count < int64(max),
		CurrentCount: int(count),
	}, nil
}

// RecordRequest adds a timestamped entry, prunes entries older than the
// window and refreshes the key expiry atomically.
func (l *SlidingWindowLimiter) RecordRequest(ctx context.Context, resourceID string, window time.Duration) error {
	now := time.Now().UnixMilli()

	// The member keeps the timestamp as its value; the uuid suffix only
	// disambiguates two requests landing in the same millisecond.
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	_, err := recordScript.Run(ctx, l.redis, []string{l.key(resourceID)},
		now, window.Milliseconds(), member).Int64()
	if err != nil {
		return fmt.Errorf("failed to record request for %s: %w", resourceID, err)
	}

	return nil
}

// Clear removes the resource's window entirely.
func (l *SlidingWindowLimiter) Clear(ctx context.Context, resourceID string) error {
	if err := l.redis.Del(ctx, l.key(resourceID)).Err(); err != nil {
		return fmt.Errorf("failed to clear rate limit for %s: %w", resourceID, err)
	}
	return nil
}

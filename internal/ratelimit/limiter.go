package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a distributed token bucket backed by Redis. All API replicas
// share the same buckets, so per-merchant limits hold across the fleet.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewLimiter constructs a limiter with the given bucket capacity and refill
// rate. Idle buckets expire after ttl.
func NewLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// EnqueueKey is the bucket key guarding job submission for a merchant.
func EnqueueKey(merchantID string) string {
	return "rl:enqueue:" + merchantID
}

// ReconcileKey is the bucket key guarding manual reconciliation triggers
// for a merchant.
func ReconcileKey(merchantID string) string {
	return "rl:reconcile:" + merchantID
}

// Allow consumes one token from the named bucket. When Redis is unreachable
// the error is returned and the caller decides whether to fail open.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, _, err := l.take(ctx, key, l.capacity, l.refill)
	return allowed, err
}

// AllowRate consumes one token from a bucket with its own capacity and
// refill, overriding the limiter defaults. Used for low-frequency actions
// like manual reconciliation triggers.
func (l *Limiter) AllowRate(ctx context.Context, key string, capacity int, refillPerSecond float64) (bool, error) {
	allowed, _, err := l.take(ctx, key, capacity, refillPerSecond)
	return allowed, err
}

func (l *Limiter) take(ctx context.Context, key string, capacity int, refill float64) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{key}, capacity, refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected script reply %v", key, res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

// Refill and take happen in one script so concurrent callers cannot both
// spend the last token.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)

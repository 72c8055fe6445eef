// Package ratelimit throttles job enqueues per provenance source so a
// runaway scheduled task or scripted client cannot starve interactive
// admin actions. Buckets live in Redis, one per source tag, shared by
// every API replica.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limits describes one source's token budget: burst capacity and the
// sustained refill rate.
type Limits struct {
	Capacity        int
	RefillPerSecond float64
}

// SourceLimiter is a distributed token bucket keyed by job source.
type SourceLimiter struct {
	client *redis.Client
	limits Limits
	ttl    time.Duration
}

// NewSourceLimiter constructs a limiter applying the same limits to every
// source. Bucket state expires after ttl of inactivity.
func NewSourceLimiter(client *redis.Client, limits Limits, ttl time.Duration) *SourceLimiter {
	return &SourceLimiter{client: client, limits: limits, ttl: ttl}
}

const sourceKeyPrefix = "ratelimit:enqueue:"

// Allow consumes one token from the source's bucket if available. Returns
// whether the enqueue may proceed and the remaining token count.
func (l *SourceLimiter) Allow(ctx context.Context, source string) (bool, float64, error) {
	if source == "" {
		source = "unknown"
	}
	res, err := refillScript.Run(ctx, l.client,
		[]string{sourceKeyPrefix + source},
		l.limits.Capacity, l.limits.RefillPerSecond,
		time.Now().UnixMilli(), l.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %q: %w", source, err)
	}
	return parseReply(res)
}

func parseReply(res any) (bool, float64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply %T", res)
	}
	granted, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected grant flag %T", arr[0])
	}
	var tokens float64
	switch v := arr[1].(type) {
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return granted == 1, tokens, nil
}

// Refill and take in one round trip. The remaining balance comes back as a
// string so fractional tokens survive the Lua-to-Redis integer conversion.
var refillScript = redis.NewScript(`
local bucket = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', bucket, 'tokens', 'stamp_ms')
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if tokens == nil then tokens = capacity end
if stamp == nil then stamp = now_ms end

local elapsed = math.max(0, now_ms - stamp)
tokens = math.min(capacity, tokens + elapsed * refill_per_sec / 1000)

local granted = 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
end

redis.call('HMSET', bucket, 'tokens', tokens, 'stamp_ms', now_ms)
if ttl_ms > 0 then
  redis.call('PEXPIRE', bucket, ttl_ms)
end
return {granted, tostring(tokens)}
`)

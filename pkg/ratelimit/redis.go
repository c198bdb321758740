package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
)

// tokenBucketScript runs the refill-and-consume atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix timestamp (seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisGate shares one token bucket per key across engine instances.
type RedisGate struct {
	client *redis.Client
	policy Policy
	prefix string
	clock  clock.Clock
}

func NewRedisGate(client *redis.Client, policy Policy, prefix string, clk clock.Clock) *RedisGate {
	return &RedisGate{client: client, policy: policy, prefix: prefix, clock: clk}
}

var _ Gate = (*RedisGate)(nil)

func (g *RedisGate) Allow(ctx context.Context, key string, cost int) (bool, error) {
	bucket := fmt.Sprintf("%s:%s", g.prefix, key)
	refill := float64(g.policy.RPM) / 60.0
	if refill <= 0 {
		refill = 1.0
	}
	now := float64(g.clock.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, g.client, []string{bucket}, refill, g.policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script response %v", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

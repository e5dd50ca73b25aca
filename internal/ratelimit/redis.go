package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/campaign-delivery/internal/model"
)

// The bucket is a hash {tokens, ts}. Refill and withdrawal run inside one
// script, so concurrent workers on any host see a single critical section.
// A clock behind the stored ts refills nothing.
var takeScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end
if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate)
  ts = now
end

local allowed = 0
local wait = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait = math.ceil((cost - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, wait}
`)

// RedisLimiter stores buckets in redis and is shared by every worker.
type RedisLimiter struct {
	rdb redis.Scripter
	now func() time.Time
}

func NewRedisLimiter(rdb redis.Scripter, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{rdb: rdb, now: now}
}

func (l *RedisLimiter) TryAcquire(ctx context.Context, identity string, channel model.Channel, cost int, limit Limit) (Decision, error) {
	if err := limit.validate(cost); err != nil {
		return Decision{}, err
	}

	perMs := limit.Rate / 1000
	ttl := int64(math.Ceil(float64(limit.Burst)/perMs)) * 2
	if ttl < 1000 {
		ttl = 1000
	}

	res, err := takeScript.Run(ctx, l.rdb, []string{Key(identity, channel)},
		perMs, limit.Burst, cost, l.now().UnixMilli(), ttl).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: redis: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}

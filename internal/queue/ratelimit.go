package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for atomic rate limit check-and-increment. Returns
// {allowed, current, ttl_ms} so the caller can compute a wait without a
// second round trip.
const rateLimitLuaScript = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current >= max then
    local ttl = redis.call("PTTL", key)
    if ttl < 0 then
        redis.call("PEXPIRE", key, window_ms)
        ttl = window_ms
    end
    return {0, current, ttl}
end

current = redis.call("INCR", key)
if current == 1 then
    redis.call("PEXPIRE", key, window_ms)
end
return {1, current, redis.call("PTTL", key)}
`

// Limiter enforces a fixed-window rate limit shared across all worker
// processes consuming the same queue.
type Limiter struct {
	rdb    *redis.Client
	key    string
	max    int
	window time.Duration
	script *redis.Script
}

// NewLimiter creates a limiter allowing max operations per window under
// the given name.
func NewLimiter(rdb *redis.Client, name string, max int, window time.Duration) *Limiter {
	return &Limiter{
		rdb:    rdb,
		key:    fmt.Sprintf("ratelimit:%s", name),
		max:    max,
		window: window,
		script: redis.NewScript(rateLimitLuaScript),
	}
}

// Allow reports whether one more operation fits in the current window.
// When it does not, wait is how long until the window resets.
func (l *Limiter) Allow(ctx context.Context) (allowed bool, wait time.Duration, err error) {
	res, err := l.script.Run(ctx, l.rdb, []string{l.key}, l.max, l.window.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 3 {
		return false, 0, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}

	ok, _ := res[0].(int64)
	ttlMs, _ := res[2].(int64)
	if ok == 1 {
		return true, 0, nil
	}
	if ttlMs < 0 {
		ttlMs = l.window.Milliseconds()
	}
	return false, time.Duration(ttlMs) * time.Millisecond, nil
}

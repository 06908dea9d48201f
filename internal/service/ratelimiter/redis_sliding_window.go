// Package ratelimiter implements a Redis-backed sliding-window rate limiter
// keyed by client IP. All trim/count/insert/TTL steps run inside one Lua
// script so concurrent submissions observe a consistent window.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowtrade/order-engine/internal/domain"
)

// luaSlidingWindow trims expired entries, counts the live window and admits
// the request when under the limit. Returns {allowed, remaining, resetMs,
// retryAfterMs}.
const luaSlidingWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)

if count < limit then
  redis.call("ZADD", key, now, member)
  redis.call("PEXPIRE", key, window)
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  return { 1, limit - count - 1, tonumber(oldest[2]) + window, 0 }
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local reset = tonumber(oldest[2]) + window
return { 0, 0, reset, reset - now }
`

// SlidingWindowLimiter admits up to Limit requests per Window per key.
type SlidingWindowLimiter struct {
	redis  redis.Scripter
	script *redis.Script
	limit  int
	window time.Duration
	now    func() time.Time
}

// New constructs a limiter allowing limit requests per window.
func New(rdb redis.Scripter, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:  rdb,
		script: redis.NewScript(luaSlidingWindow),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// WithNow overrides the clock; tests use this to control the window.
func (l *SlidingWindowLimiter) WithNow(now func() time.Time) *SlidingWindowLimiter {
	l.now = now
	return l
}

// Allow checks and records one request for key. On Redis errors the limiter
// fails open so a cache outage cannot take down submissions.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (domain.RateLimitDecision, error) {
	open := domain.RateLimitDecision{Allowed: true, Limit: l.limit, Remaining: l.limit}
	if l == nil || l.redis == nil {
		return open, nil
	}
	now := l.now()
	res, err := l.script.Run(ctx, l.redis,
		[]string{"ratelimit:" + key},
		now.UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		slog.Error("rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return open, fmt.Errorf("op=ratelimit.allow: %w", err)
	}
	if len(res) < 4 {
		slog.Error("rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return open, nil
	}
	d := domain.RateLimitDecision{
		Allowed:    res[0] == 1,
		Limit:      l.limit,
		Remaining:  int(res[1]),
		Reset:      time.UnixMilli(res[2]),
		RetryAfter: time.Duration(res[3]) * time.Millisecond,
	}
	return d, nil
}

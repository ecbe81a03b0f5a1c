package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed-window counter over the shared store. Each key carries a companion
// <key>:reset_time holding the window boundary in unix milliseconds.
type FixedWindowLimiter struct {
	store  Store
	limit  int
	window time.Duration

	now func() time.Time
}

func NewFixedWindow(store Store, limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (f *FixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	countKey := fmt.Sprintf("ratelimit:fixed:%s", key)
	resetKey := countKey + ":reset_time"
	now := f.now()

	count, resetTime, err := f.read(ctx, countKey, resetKey)
	if err != nil {
		// Store unreachable: fail open rather than block all traffic
		return f.failOpen(now), err
	}

	// A passed boundary starts a fresh window
	if resetTime.IsZero() || !now.Before(resetTime) {
		if err := f.store.Del(ctx, countKey, resetKey); err != nil {
			return f.failOpen(now), err
		}
		count = 0
		resetTime = now.Add(f.window)
	}

	decision := Decision{
		Allowed:   count < int64(f.limit),
		Limit:     f.limit,
		ResetTime: resetTime,
	}
	if !decision.Allowed {
		decision.RetryAfter = int((resetTime.Sub(now) + time.Second - 1) / time.Second)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}

	// Count the request either way, expiring with the remaining window
	ttl := resetTime.Sub(now)
	newCount, err := f.store.Incr(ctx, countKey)
	if err != nil {
		return f.failOpen(now), err
	}
	if err := f.store.Expire(ctx, countKey, ttl); err != nil {
		return f.failOpen(now), err
	}
	if err := f.store.Set(ctx, resetKey, resetTime.UnixMilli(), ttl); err != nil {
		return f.failOpen(now), err
	}

	decision.Remaining = f.limit - int(newCount)
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}

	return decision, nil
}

func (f *FixedWindowLimiter) read(ctx context.Context, countKey, resetKey string) (int64, time.Time, error) {
	var count int64
	val, err := f.store.Get(ctx, countKey)
	if err == redis.Nil {
		count = 0
	} else if err != nil {
		return 0, time.Time{}, err
	} else {
		count, _ = strconv.ParseInt(val, 10, 64)
	}

	var resetTime time.Time
	val, err = f.store.Get(ctx, resetKey)
	if err == redis.Nil {
		// No boundary recorded, caller starts a fresh window
	} else if err != nil {
		return 0, time.Time{}, err
	} else {
		ms, _ := strconv.ParseInt(val, 10, 64)
		resetTime = time.UnixMilli(ms)
	}

	return count, resetTime, nil
}

func (f *FixedWindowLimiter) failOpen(now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     f.limit,
		Remaining: f.limit,
		ResetTime: now.Add(f.window),
	}
}

func (f *FixedWindowLimiter) Limit() int {
	return f.limit
}

func (f *FixedWindowLimiter) Window() time.Duration {
	return f.window
}

func (f *FixedWindowLimiter) Clear(ctx context.Context, key string) error {
	countKey := fmt.Sprintf("ratelimit:fixed:%s", key)
	return f.store.Del(ctx, countKey, countKey+":reset_time")
}

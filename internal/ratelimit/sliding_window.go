package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sliding-window limiter backed by a sorted set of request timestamps
type SlidingWindowLimiter struct {
	store  Store
	limit  int
	window time.Duration

	now func() time.Time
}

func NewSlidingWindow(store Store, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (s *SlidingWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("ratelimit:sliding:%s", key)
	now := s.now()
	windowStart := now.Add(-s.window)

	// Drop entries that slid out of the window
	if err := s.store.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano())); err != nil {
		return s.failOpen(now), err
	}

	count, err := s.store.ZCount(ctx, redisKey, fmt.Sprintf("%d", windowStart.UnixNano()), fmt.Sprintf("%d", now.UnixNano()))
	if err != nil {
		return s.failOpen(now), err
	}

	decision := Decision{
		Allowed:   count < int64(s.limit),
		Limit:     s.limit,
		ResetTime: s.resetTime(ctx, redisKey, now),
	}

	if decision.Allowed {
		if err := s.store.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: fmt.Sprintf("%d", now.UnixNano()),
		}); err != nil {
			return s.failOpen(now), err
		}
		if err := s.store.Expire(ctx, redisKey, s.window); err != nil {
			return s.failOpen(now), err
		}
		count++
	} else {
		decision.RetryAfter = int((decision.ResetTime.Sub(now) + time.Second - 1) / time.Second)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}

	decision.Remaining = s.limit - int(count)
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}

	return decision, nil
}

// The window resets when the oldest recorded request slides out
func (s *SlidingWindowLimiter) resetTime(ctx context.Context, redisKey string, now time.Time) time.Time {
	oldest, err := s.store.ZRange(ctx, redisKey, 0, 0)
	if err != nil || len(oldest) == 0 {
		return now.Add(s.window)
	}

	oldestNano, err := strconv.ParseInt(oldest[0], 10, 64)
	if err != nil {
		return now.Add(s.window)
	}

	return time.Unix(0, oldestNano).Add(s.window)
}

func (s *SlidingWindowLimiter) failOpen(now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     s.limit,
		Remaining: s.limit,
		ResetTime: now.Add(s.window),
	}
}

func (s *SlidingWindowLimiter) Limit() int {
	return s.limit
}

func (s *SlidingWindowLimiter) Window() time.Duration {
	return s.window
}

func (s *SlidingWindowLimiter) Clear(ctx context.Context, key string) error {
	return s.store.Del(ctx, fmt.Sprintf("ratelimit:sliding:%s", key))
}

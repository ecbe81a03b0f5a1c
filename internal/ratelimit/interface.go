package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// The shared counter store the limiters count against. The gateway holds
// no authoritative count of its own.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	ZAdd(ctx context.Context, key string, members ...redis.Z) error
	ZCount(ctx context.Context, key, min, max string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key, min, max string) error
}

// Outcome of a single check-and-increment. Limit, Remaining and ResetTime
// are populated on both allow and deny so response headers can always be set.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter int // seconds, only meaningful on deny
}

type Limiter interface {
	// Checks and counts one request for key. If the store is unreachable
	// the limiter fails open: the decision allows the request and the
	// store error is returned alongside for logging.
	Allow(ctx context.Context, key string) (Decision, error)

	Limit() int

	Window() time.Duration

	// Operator-triggered reset of a single key
	Clear(ctx context.Context, key string) error
}

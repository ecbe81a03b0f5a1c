package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token bucket limiter; tokens refill continuously at refillRate per second
type TokenBucket struct {
	store      Store
	capacity   int
	refillRate int

	now func() time.Time
}

type bucketState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

func NewTokenBucket(store Store, capacity int, refillRate int) *TokenBucket {
	if refillRate <= 0 {
		refillRate = 1
	}

	return &TokenBucket{
		store:      store,
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

func (t *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("ratelimit:bucket:%s", key)
	now := t.now()

	var state bucketState
	data, err := t.store.Get(ctx, redisKey)
	if err == redis.Nil {
		state = bucketState{
			Tokens:     float64(t.capacity),
			LastRefill: now,
		}
	} else if err != nil {
		return t.failOpen(now), err
	} else {
		json.Unmarshal([]byte(data), &state)
	}

	// Refill based on time elapsed
	elapsed := now.Sub(state.LastRefill)
	state.Tokens = math.Min(state.Tokens+elapsed.Seconds()*float64(t.refillRate), float64(t.capacity))
	state.LastRefill = now

	decision := Decision{
		Allowed:   state.Tokens >= 1,
		Limit:     t.capacity,
		ResetTime: t.fullAt(state, now),
	}

	if decision.Allowed {
		state.Tokens -= 1
	} else {
		// Next token is available after 1/refillRate seconds
		wait := (1 - state.Tokens) / float64(t.refillRate)
		decision.RetryAfter = int(math.Ceil(wait))
	}

	stateJSON, _ := json.Marshal(state)
	if err := t.store.Set(ctx, redisKey, stateJSON, time.Hour); err != nil {
		return t.failOpen(now), err
	}

	decision.Remaining = int(state.Tokens)

	return decision, nil
}

// When the bucket would be full again at the current refill rate
func (t *TokenBucket) fullAt(state bucketState, now time.Time) time.Time {
	tokensNeeded := float64(t.capacity) - state.Tokens
	secondsToFull := tokensNeeded / float64(t.refillRate)
	return now.Add(time.Duration(secondsToFull * float64(time.Second)))
}

func (t *TokenBucket) failOpen(now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     t.capacity,
		Remaining: t.capacity,
		ResetTime: now.Add(t.Window()),
	}
}

func (t *TokenBucket) Limit() int {
	return t.capacity
}

// For a token bucket the window is the time to refill from empty
func (t *TokenBucket) Window() time.Duration {
	return time.Duration(t.capacity/t.refillRate) * time.Second
}

func (t *TokenBucket) Clear(ctx context.Context, key string) error {
	return t.store.Del(ctx, fmt.Sprintf("ratelimit:bucket:%s", key))
}

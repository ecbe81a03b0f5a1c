package ratelimit

import (
	"time"
)

func NewLimiter(store Store, algorithm string, limit int, window time.Duration) Limiter {
	switch algorithm {
	case "token_bucket":
		refillRate := 0
		if secs := int(window.Seconds()); secs > 0 {
			refillRate = limit / secs
		}
		// Sub-second windows truncate to zero seconds
		if refillRate == 0 {
			refillRate = 1
		}
		return NewTokenBucket(store, limit, refillRate)
	case "sliding_window":
		return NewSlidingWindow(store, limit, window)
	case "fixed_window":
		return NewFixedWindow(store, limit, window)
	default:
		return NewFixedWindow(store, limit, window)
	}
}

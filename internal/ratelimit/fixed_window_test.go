package ratelimit

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// In-memory Store used across the limiter tests. failWith poisons every
// call so the fail-open paths can be exercised.
type memStore struct {
	mu       sync.Mutex
	values   map[string]string
	zsets    map[string]map[string]float64
	failWith error
}

func newMemStore() *memStore {
	return &memStore{
		values: make(map[string]string),
		zsets:  make(map[string]map[string]float64),
	}
}

func (m *memStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return "", m.failWith
	}
	v, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	switch v := value.(type) {
	case string:
		m.values[key] = v
	case []byte:
		m.values[key] = string(v)
	case int64:
		m.values[key] = strconv.FormatInt(v, 10)
	default:
		m.values[key] = toString(v)
	}
	return nil
}

func toString(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

func (m *memStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	n, _ := strconv.ParseInt(m.values[key], 10, 64)
	n++
	m.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *memStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failWith
}

func (m *memStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	for _, k := range keys {
		delete(m.values, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *memStore) ZAdd(ctx context.Context, key string, members ...redis.Z) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	set := m.zsets[key]
	if set == nil {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	for _, z := range members {
		set[z.Member.(string)] = z.Score
	}
	return nil
}

func (m *memStore) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	lo, hi := parseRange(min, max)
	var n int64
	for _, score := range m.zsets[key] {
		if score >= lo && score <= hi {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	type entry struct {
		member string
		score  float64
	}
	entries := make([]entry, 0, len(m.zsets[key]))
	for member, score := range m.zsets[key] {
		entries = append(entries, entry{member, score})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].score < entries[j].score })

	if stop < 0 {
		stop = int64(len(entries)) + stop
	}
	out := []string{}
	for i, e := range entries {
		if int64(i) >= start && int64(i) <= stop {
			out = append(out, e.member)
		}
	}
	return out, nil
}

func (m *memStore) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	lo, hi := parseRange(min, max)
	for member, score := range m.zsets[key] {
		if score >= lo && score <= hi {
			delete(m.zsets[key], member)
		}
	}
	return nil
}

func parseRange(min, max string) (float64, float64) {
	lo, err := strconv.ParseFloat(min, 64)
	if err != nil {
		lo = -1 << 62
	}
	hi, err := strconv.ParseFloat(max, 64)
	if err != nil {
		hi = 1 << 62
	}
	return lo, hi
}

func TestFixedWindowDeniesOverLimit(t *testing.T) {
	store := newMemStore()
	lim := NewFixedWindow(store, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := lim.Allow(ctx, "user:42")
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied under the limit", i+1)
		}
		if d.Remaining != 10-(i+1) {
			t.Errorf("request %d: remaining = %d, want %d", i+1, d.Remaining, 10-(i+1))
		}
	}

	d, err := lim.Allow(ctx, "user:42")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("11th request allowed with limit 10")
	}
	if d.Remaining != 0 {
		t.Errorf("denied remaining = %d, want 0", d.Remaining)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("denied RetryAfter = %d, want > 0", d.RetryAfter)
	}
	if d.Limit != 10 {
		t.Errorf("Limit = %d, want 10", d.Limit)
	}
}

func TestFixedWindowKeysAreIndependent(t *testing.T) {
	store := newMemStore()
	lim := NewFixedWindow(store, 1, time.Minute)
	ctx := context.Background()

	if d, _ := lim.Allow(ctx, "user:1"); !d.Allowed {
		t.Fatalf("first request for user:1 denied")
	}
	if d, _ := lim.Allow(ctx, "user:1"); d.Allowed {
		t.Fatalf("second request for user:1 allowed with limit 1")
	}
	if d, _ := lim.Allow(ctx, "user:2"); !d.Allowed {
		t.Fatalf("user:2 affected by user:1's window")
	}
}

func TestFixedWindowResetsOnBoundary(t *testing.T) {
	store := newMemStore()
	lim := NewFixedWindow(store, 2, time.Minute)

	now := time.Now()
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	lim.Allow(ctx, "ip:10.0.0.1")
	lim.Allow(ctx, "ip:10.0.0.1")
	if d, _ := lim.Allow(ctx, "ip:10.0.0.1"); d.Allowed {
		t.Fatalf("3rd request allowed with limit 2")
	}

	now = now.Add(61 * time.Second)

	d, err := lim.Allow(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("Allow after boundary: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("request denied in a fresh window")
	}
	if d.Remaining != 1 {
		t.Errorf("fresh window remaining = %d, want 1", d.Remaining)
	}
	if !d.ResetTime.After(now) {
		t.Errorf("fresh window ResetTime = %v, not after now", d.ResetTime)
	}
}

func TestFixedWindowFailsOpenOnStoreError(t *testing.T) {
	store := newMemStore()
	store.failWith = errors.New("connection refused")
	lim := NewFixedWindow(store, 5, time.Minute)

	d, err := lim.Allow(context.Background(), "user:42")
	if err == nil {
		t.Fatalf("store error not surfaced")
	}
	if !d.Allowed {
		t.Fatalf("request denied while the store is unreachable")
	}
	if d.Remaining != 5 {
		t.Errorf("fail-open remaining = %d, want full limit", d.Remaining)
	}
}

func TestFixedWindowClear(t *testing.T) {
	store := newMemStore()
	lim := NewFixedWindow(store, 1, time.Minute)
	ctx := context.Background()

	lim.Allow(ctx, "user:42")
	if d, _ := lim.Allow(ctx, "user:42"); d.Allowed {
		t.Fatalf("second request allowed with limit 1")
	}

	if err := lim.Clear(ctx, "user:42"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if d, _ := lim.Allow(ctx, "user:42"); !d.Allowed {
		t.Fatalf("request denied after Clear")
	}
}

func TestSlidingWindowDeniesOverLimit(t *testing.T) {
	store := newMemStore()
	lim := NewSlidingWindow(store, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := lim.Allow(ctx, "user:42")
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied under the limit", i+1)
		}
	}

	d, err := lim.Allow(ctx, "user:42")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("4th request allowed with limit 3")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	store := newMemStore()
	lim := NewTokenBucket(store, 2, 1)

	now := time.Now()
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	lim.Allow(ctx, "user:42")
	lim.Allow(ctx, "user:42")
	d, _ := lim.Allow(ctx, "user:42")
	if d.Allowed {
		t.Fatalf("request allowed on an empty bucket")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("empty bucket RetryAfter = %d, want > 0", d.RetryAfter)
	}

	// One token refills per second
	now = now.Add(2 * time.Second)
	if d, _ := lim.Allow(ctx, "user:42"); !d.Allowed {
		t.Fatalf("request denied after refill")
	}
}

func TestNewLimiterSelectsAlgorithm(t *testing.T) {
	store := newMemStore()

	if _, ok := NewLimiter(store, "token_bucket", 10, time.Minute).(*TokenBucket); !ok {
		t.Errorf("token_bucket did not select TokenBucket")
	}
	if _, ok := NewLimiter(store, "sliding_window", 10, time.Minute).(*SlidingWindowLimiter); !ok {
		t.Errorf("sliding_window did not select SlidingWindowLimiter")
	}
	if _, ok := NewLimiter(store, "fixed_window", 10, time.Minute).(*FixedWindowLimiter); !ok {
		t.Errorf("fixed_window did not select FixedWindowLimiter")
	}
	if _, ok := NewLimiter(store, "", 10, time.Minute).(*FixedWindowLimiter); !ok {
		t.Errorf("unknown algorithm did not fall back to fixed window")
	}

	// A window under one second truncates to zero whole seconds and must
	// not blow up the refill-rate derivation
	lim, ok := NewLimiter(store, "token_bucket", 10, 500*time.Millisecond).(*TokenBucket)
	if !ok {
		t.Fatalf("sub-second window did not select TokenBucket")
	}
	if d, err := lim.Allow(context.Background(), "user:42"); err != nil || !d.Allowed {
		t.Errorf("sub-second window bucket rejected the first request: %v %+v", err, d)
	}
}

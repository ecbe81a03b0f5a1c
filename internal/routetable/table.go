package routetable

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrRouteNotFound is returned when no registered route matches
	ErrRouteNotFound = errors.New("route not found")

	// ErrNoSuchRoute is returned by mutations targeting an unknown route
	ErrNoSuchRoute = errors.New("no route registered for path and method")
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, MethodAll: true,
}

// Holds route definitions keyed by path pattern. Reads run under a shared
// lock; mutations only happen through explicit admin operations.
type Table struct {
	mu       sync.RWMutex
	routes   map[string][]*Route // pattern -> routes, priority desc
	patterns []string            // all patterns, longest first
	nextSeq  uint64
}

func NewTable() *Table {
	return &Table{
		routes: make(map[string][]*Route),
	}
}

// Registers a route. An existing path+method pair is appended to, not
// replaced; priority order is re-applied after every insertion.
func (t *Table) Add(route *Route) error {
	if err := validate(route); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	route.seq = t.nextSeq
	t.nextSeq++

	bucket, exists := t.routes[route.Path]
	t.routes[route.Path] = sortBucket(append(bucket, route))

	if !exists {
		t.patterns = append(t.patterns, route.Path)
		sort.SliceStable(t.patterns, func(i, j int) bool {
			return len(t.patterns[i]) > len(t.patterns[j])
		})
	}

	return nil
}

// Removes routes at path. An empty method removes every route under the
// path; otherwise only routes accepting that method are dropped.
func (t *Table) Remove(path, method string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, exists := t.routes[path]
	if !exists {
		return ErrNoSuchRoute
	}

	if method == "" {
		delete(t.routes, path)
		t.dropPattern(path)
		return nil
	}

	kept := bucket[:0]
	removed := false
	for _, r := range bucket {
		if r.AllowsMethod(method) {
			removed = true
			continue
		}
		kept = append(kept, r)
	}

	if !removed {
		return ErrNoSuchRoute
	}

	if len(kept) == 0 {
		delete(t.routes, path)
		t.dropPattern(path)
	} else {
		t.routes[path] = kept
	}

	return nil
}

// Partial update applied to the first route at path accepting method
type Update struct {
	Service        *string
	TargetURL      *string
	Priority       *int
	Timeout        *int64 // milliseconds
	Auth           *AuthPolicy
	RateLimit      *RateLimitPolicy
	CircuitBreaker *CircuitBreakerPolicy
	Versioning     *VersionPolicy
}

func (t *Table) UpdateRoute(path, method string, upd Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, exists := t.routes[path]
	if !exists {
		return ErrNoSuchRoute
	}

	for _, r := range bucket {
		if !r.AllowsMethod(method) {
			continue
		}

		if upd.Service != nil {
			r.Service = *upd.Service
		}
		if upd.TargetURL != nil {
			r.TargetURL = *upd.TargetURL
		}
		if upd.Priority != nil {
			r.Priority = *upd.Priority
		}
		if upd.Timeout != nil {
			r.Timeout = millis(*upd.Timeout)
		}
		if upd.Auth != nil {
			r.Auth = upd.Auth
		}
		if upd.RateLimit != nil {
			r.RateLimit = upd.RateLimit
		}
		if upd.CircuitBreaker != nil {
			r.CircuitBreaker = upd.CircuitBreaker
		}
		if upd.Versioning != nil {
			r.Versioning = upd.Versioning
		}

		t.routes[path] = sortBucket(bucket)
		return nil
	}

	return ErrNoSuchRoute
}

// Resolves a concrete request path+method to a route. Exact lookup first,
// then pattern matching longest-pattern-first with :param capture and
// in-segment wildcards. Equal-specificity ties go to the higher priority.
func (t *Table) Resolve(path, method string) (*Match, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Exact hit
	if bucket, ok := t.routes[path]; ok {
		for _, r := range bucket {
			if r.AllowsMethod(method) {
				return &Match{Route: r, Params: map[string]string{}}, nil
			}
		}
	}

	segments := splitPath(path)

	// Patterns are kept longest-first; within one length class every
	// matching candidate competes on priority, then insertion order.
	var (
		best    *Route
		bestLen = -1
		params  map[string]string
	)

	for _, pattern := range t.patterns {
		if pattern == path {
			continue
		}
		if bestLen >= 0 && len(pattern) < bestLen {
			break
		}

		captured, ok := matchPattern(splitPath(pattern), segments)
		if !ok {
			continue
		}

		for _, r := range t.routes[pattern] {
			if !r.AllowsMethod(method) {
				continue
			}
			if best == nil || r.Priority > best.Priority ||
				(r.Priority == best.Priority && r.seq < best.seq) {
				best = r
				bestLen = len(pattern)
				params = captured
			}
			break // bucket is priority-sorted, first allowed route is its best
		}
	}

	if best == nil {
		return nil, ErrRouteNotFound
	}

	return &Match{Route: best, Params: params}, nil
}

// Returns a copy of every registered route, grouped by pattern
func (t *Table) Snapshot() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Route, 0, len(t.patterns))
	for _, pattern := range t.patterns {
		for _, r := range t.routes[pattern] {
			out = append(out, *r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Path < out[j].Path
	})

	return out
}

// Returns the distinct downstream services across all routes
func (t *Table) Services() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	services := make(map[string]string)
	for _, bucket := range t.routes {
		for _, r := range bucket {
			services[r.Service] = r.TargetURL
		}
	}

	return services
}

func (t *Table) dropPattern(path string) {
	for i, p := range t.patterns {
		if p == path {
			t.patterns = append(t.patterns[:i], t.patterns[i+1:]...)
			return
		}
	}
}

func sortBucket(bucket []*Route) []*Route {
	sort.SliceStable(bucket, func(i, j int) bool {
		if bucket[i].Priority != bucket[j].Priority {
			return bucket[i].Priority > bucket[j].Priority
		}
		return bucket[i].seq < bucket[j].seq
	})
	return bucket
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// Compares pattern segments against request segments. A :name segment
// matches any non-empty literal and is captured; a segment containing *
// matches permissively around the literal parts; anything else must
// match exactly. Matching never crosses a / boundary.
func matchPattern(pattern, segments []string) (map[string]string, bool) {
	if len(pattern) != len(segments) {
		return nil, false
	}

	params := map[string]string{}
	for i, pseg := range pattern {
		seg := segments[i]

		switch {
		case strings.HasPrefix(pseg, ":"):
			if seg == "" {
				return nil, false
			}
			params[pseg[1:]] = seg
		case strings.Contains(pseg, "*"):
			if !matchWildcard(pseg, seg) {
				return nil, false
			}
		default:
			if pseg != seg {
				return nil, false
			}
		}
	}

	return params, true
}

func matchWildcard(pseg, seg string) bool {
	parts := strings.SplitN(pseg, "*", 2)
	prefix, suffix := parts[0], parts[1]

	if len(seg) < len(prefix)+len(suffix) {
		return false
	}

	return strings.HasPrefix(seg, prefix) && strings.HasSuffix(seg, suffix)
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func validate(route *Route) error {
	if !strings.HasPrefix(route.Path, "/") {
		return fmt.Errorf("path must start with /")
	}

	if len(route.Methods) == 0 {
		return fmt.Errorf("at least one method is required")
	}
	for _, m := range route.Methods {
		if !validMethods[strings.ToUpper(m)] {
			return fmt.Errorf("invalid HTTP method: %s", m)
		}
	}

	if route.Service == "" {
		return fmt.Errorf("service name is required")
	}

	target, err := url.Parse(route.TargetURL)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}
	if !target.IsAbs() {
		return fmt.Errorf("target must be an absolute URL")
	}

	return nil
}

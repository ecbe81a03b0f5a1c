package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aman-churiwal/gateway-core/internal/circuitbreaker"
	"github.com/aman-churiwal/gateway-core/internal/proxy"
	"github.com/aman-churiwal/gateway-core/internal/routetable"
	"github.com/aman-churiwal/gateway-core/internal/service"
	"github.com/aman-churiwal/gateway-core/internal/transform"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// Scripted downstream used in place of real HTTP calls
type fakeTransport struct {
	mu      sync.Mutex
	calls   []*proxy.Request
	respond func(req *proxy.Request) (*proxy.Response, error)
}

func (f *fakeTransport) Do(ctx context.Context, req *proxy.Request) (*proxy.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) lastCall() *proxy.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func okJSON(body string) func(req *proxy.Request) (*proxy.Response, error) {
	return func(req *proxy.Request) (*proxy.Response, error) {
		return &proxy.Response{
			Status:  http.StatusOK,
			Headers: http.Header{"Content-Type": []string{"application/json"}},
			Body:    []byte(body),
		}, nil
	}
}

// In-memory stand-in for the shared counter store
type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string]string)}
}

func (s *fakeStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (s *fakeStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := value.(type) {
	case string:
		s.values[key] = v
	case []byte:
		s.values[key] = string(v)
	case int64:
		s.values[key] = strconv.FormatInt(v, 10)
	}
	return nil
}

func (s *fakeStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.ParseInt(s.values[key], 10, 64)
	n++
	s.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *fakeStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (s *fakeStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func (s *fakeStore) ZAdd(ctx context.Context, key string, members ...redis.Z) error {
	return nil
}

func (s *fakeStore) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	return 0, nil
}

func (s *fakeStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return nil, nil
}

func (s *fakeStore) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return nil
}

func newGateway(t *testing.T, routes []*routetable.Route, transport proxy.Transport) (*Dispatcher, *gin.Engine) {
	t.Helper()

	table := routetable.NewTable()
	for _, r := range routes {
		if err := table.Add(r); err != nil {
			t.Fatalf("Add(%s): %v", r.Path, err)
		}
	}

	d := New(table, circuitbreaker.NewRegistry(circuitbreaker.Config{}), newFakeStore(), transport)

	engine := gin.New()
	engine.NoRoute(d.Handle)
	return d, engine
}

func doRequest(engine *gin.Engine, method, target string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var envelope struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("error body is not JSON: %v (%s)", err, w.Body.String())
	}
	if envelope.Timestamp == 0 {
		t.Errorf("error envelope missing timestamp: %s", w.Body.String())
	}
	if envelope.Message == "" {
		t.Errorf("error envelope missing message: %s", w.Body.String())
	}
	return envelope.Error
}

func TestDispatchForwardsMatchedRoute(t *testing.T) {
	transport := &fakeTransport{respond: okJSON(`{"id":"123"}`)}
	_, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/v1/users/:id",
		Methods:   []string{"GET"},
		Service:   "user-service",
		TargetURL: "http://users.internal:8081",
	}}, transport)

	w := doRequest(engine, "GET", "/api/v1/users/123?active=true", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"id":"123"}` {
		t.Errorf("body = %s", w.Body.String())
	}
	if w.Header().Get("X-Gateway-Response-Time") == "" {
		t.Errorf("X-Gateway-Response-Time missing")
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}

	call := transport.lastCall()
	if call == nil {
		t.Fatalf("downstream never called")
	}
	if call.URL != "http://users.internal:8081/api/v1/users/123" {
		t.Errorf("downstream URL = %s", call.URL)
	}
	if call.Query.Get("active") != "true" {
		t.Errorf("query not forwarded: %v", call.Query)
	}
	if call.Headers.Get("X-Gateway-Request-Id") == "" {
		t.Errorf("X-Gateway-Request-Id not set on downstream call")
	}
	if call.Headers.Get("X-Gateway-Service") != "user-service" {
		t.Errorf("X-Gateway-Service = %q", call.Headers.Get("X-Gateway-Service"))
	}
	if call.Headers.Get("X-Gateway-Timestamp") == "" {
		t.Errorf("X-Gateway-Timestamp not set on downstream call")
	}
}

func TestDispatchHeaderAllowList(t *testing.T) {
	transport := &fakeTransport{respond: func(req *proxy.Request) (*proxy.Response, error) {
		return &proxy.Response{
			Status: http.StatusOK,
			Headers: http.Header{
				"Content-Type": []string{"application/json"},
				"Set-Cookie":   []string{"session=abc"},
				"Etag":         []string{`"v1"`},
			},
			Body: []byte("{}"),
		}, nil
	}}
	_, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/orders",
		Methods:   []string{"POST"},
		Service:   "order-service",
		TargetURL: "http://orders.internal",
	}}, transport)

	req := httptest.NewRequest("POST", "/api/orders", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", "session=abc")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	call := transport.lastCall()
	if call.Headers.Get("Content-Type") != "application/json" {
		t.Errorf("allowed request header dropped")
	}
	if call.Headers.Get("Cookie") != "" {
		t.Errorf("Cookie forwarded downstream despite allow-list")
	}

	if w.Header().Get("ETag") != `"v1"` {
		t.Errorf("allowed response header dropped")
	}
	if w.Header().Get("Set-Cookie") != "" {
		t.Errorf("Set-Cookie passed back despite allow-list")
	}
}

func TestDispatchRouteNotFound(t *testing.T) {
	transport := &fakeTransport{respond: okJSON("{}")}
	_, engine := newGateway(t, nil, transport)

	w := doRequest(engine, "GET", "/api/nowhere", "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if kind := errorKind(t, w); kind != KindRouteNotFound {
		t.Errorf("error kind = %q, want %q", kind, KindRouteNotFound)
	}
	if transport.callCount() != 0 {
		t.Errorf("downstream called for an unmatched path")
	}
}

func TestDispatchVersionRequired(t *testing.T) {
	transport := &fakeTransport{respond: okJSON("{}")}
	_, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/users",
		Methods:   []string{"GET"},
		Service:   "user-service",
		TargetURL: "http://users.internal",
		Versioning: &routetable.VersionPolicy{
			Type:     "header",
			Required: true,
		},
	}}, transport)

	w := doRequest(engine, "GET", "/api/users", "")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if kind := errorKind(t, w); kind != KindVersionRequired {
		t.Errorf("error kind = %q, want %q", kind, KindVersionRequired)
	}

	// A supplied version goes through and is stamped downstream
	req := httptest.NewRequest("GET", "/api/users", nil)
	req.Header.Set("X-API-Version", "v1")
	w2 := httptest.NewRecorder()
	engine.ServeHTTP(w2, req)

	if w2.Code != http.StatusOK {
		t.Fatalf("status with version = %d, want 200", w2.Code)
	}
	if got := transport.lastCall().Headers.Get("X-API-Version"); got != "v1" {
		t.Errorf("version not stamped downstream: %q", got)
	}
}

func TestDispatchUnsupportedVersion(t *testing.T) {
	transport := &fakeTransport{respond: okJSON("{}")}
	_, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/users",
		Methods:   []string{"GET"},
		Service:   "user-service",
		TargetURL: "http://users.internal",
		Versioning: &routetable.VersionPolicy{
			Type:      "query",
			Supported: []string{"v1"},
		},
	}}, transport)

	w := doRequest(engine, "GET", "/api/users?version=v7", "")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if kind := errorKind(t, w); kind != KindUnsupportedVersion {
		t.Errorf("error kind = %q, want %q", kind, KindUnsupportedVersion)
	}
}

func TestDispatchRateLimit(t *testing.T) {
	transport := &fakeTransport{respond: okJSON("{}")}
	_, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/search",
		Methods:   []string{"GET"},
		Service:   "search-service",
		TargetURL: "http://search.internal",
		RateLimit: &routetable.RateLimitPolicy{
			Max:    3,
			Window: time.Minute,
		},
	}}, transport)

	for i := 0; i < 3; i++ {
		w := doRequest(engine, "GET", "/api/search", "")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "3" {
			t.Errorf("X-RateLimit-Limit = %q", w.Header().Get("X-RateLimit-Limit"))
		}
	}

	w := doRequest(engine, "GET", "/api/search", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request: status = %d, want 429", w.Code)
	}
	if kind := errorKind(t, w); kind != KindRateLimitExceeded {
		t.Errorf("error kind = %q, want %q", kind, KindRateLimitExceeded)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", w.Header().Get("X-RateLimit-Remaining"))
	}
	retryAfter, _ := strconv.Atoi(w.Header().Get("Retry-After"))
	if retryAfter <= 0 {
		t.Errorf("Retry-After = %q, want > 0", w.Header().Get("Retry-After"))
	}

	if transport.callCount() != 3 {
		t.Errorf("downstream calls = %d, want 3 (denied request forwarded)", transport.callCount())
	}
}

func TestDispatchRateLimitScopedPerOperation(t *testing.T) {
	transport := &fakeTransport{respond: okJSON("{}")}
	_, engine := newGateway(t, []*routetable.Route{
		{
			Path:      "/api/search",
			Methods:   []string{"GET"},
			Service:   "search-service",
			TargetURL: "http://search.internal",
			RateLimit: &routetable.RateLimitPolicy{Max: 1, Window: time.Minute},
		},
		{
			Path:      "/api/suggest",
			Methods:   []string{"GET"},
			Service:   "search-service",
			TargetURL: "http://search.internal",
			RateLimit: &routetable.RateLimitPolicy{Max: 1, Window: time.Minute},
		},
	}, transport)

	if w := doRequest(engine, "GET", "/api/search", ""); w.Code != http.StatusOK {
		t.Fatalf("search: status = %d", w.Code)
	}
	if w := doRequest(engine, "GET", "/api/search", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second search: status = %d, want 429", w.Code)
	}

	// The other operation has its own window
	if w := doRequest(engine, "GET", "/api/suggest", ""); w.Code != http.StatusOK {
		t.Errorf("suggest throttled by search's counter: status = %d", w.Code)
	}
}

func TestDispatchCircuitOpensAfterFailures(t *testing.T) {
	transport := &fakeTransport{respond: func(req *proxy.Request) (*proxy.Response, error) {
		return nil, errors.New("connection refused")
	}}
	d, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/auth/login",
		Methods:   []string{"POST"},
		Service:   "auth-service",
		TargetURL: "http://auth.internal",
		CircuitBreaker: &routetable.CircuitBreakerPolicy{
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
		},
	}}, transport)

	for i := 0; i < 5; i++ {
		w := doRequest(engine, "POST", "/api/auth/login", "{}")
		if w.Code != http.StatusBadGateway {
			t.Fatalf("request %d: status = %d, want 502", i+1, w.Code)
		}
	}

	w := doRequest(engine, "POST", "/api/auth/login", "{}")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after threshold = %d, want 503", w.Code)
	}
	if kind := errorKind(t, w); kind != KindCircuitOpen {
		t.Errorf("error kind = %q, want %q", kind, KindCircuitOpen)
	}

	if transport.callCount() != 5 {
		t.Errorf("downstream calls = %d, want 5 (open circuit reached downstream)", transport.callCount())
	}
	if trips := d.Metrics().Snapshot().CircuitBreakerTrips; trips != 1 {
		t.Errorf("circuit breaker trips = %d, want 1", trips)
	}
}

func TestDispatchDownstream5xxPassthrough(t *testing.T) {
	transport := &fakeTransport{respond: func(req *proxy.Request) (*proxy.Response, error) {
		return &proxy.Response{
			Status:  http.StatusServiceUnavailable,
			Headers: http.Header{"Content-Type": []string{"application/json"}},
			Body:    []byte(`{"error":"db down"}`),
		}, nil
	}}
	_, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/orders",
		Methods:   []string{"GET"},
		Service:   "order-service",
		TargetURL: "http://orders.internal",
		CircuitBreaker: &routetable.CircuitBreakerPolicy{
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
		},
	}}, transport)

	// A 5xx counts against the breaker but the body still reaches the caller
	for i := 0; i < 2; i++ {
		w := doRequest(engine, "GET", "/api/orders", "")
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("request %d: status = %d, want 503 passthrough", i+1, w.Code)
		}
		if w.Body.String() != `{"error":"db down"}` {
			t.Errorf("request %d: downstream body not passed through: %s", i+1, w.Body.String())
		}
	}

	// The accumulated failures opened the circuit
	w := doRequest(engine, "GET", "/api/orders", "")
	if kind := errorKind(t, w); kind != KindCircuitOpen {
		t.Errorf("error kind = %q, want %q", kind, KindCircuitOpen)
	}
	if transport.callCount() != 2 {
		t.Errorf("downstream calls = %d, want 2", transport.callCount())
	}
}

func TestDispatchRequestTransformFailure(t *testing.T) {
	transport := &fakeTransport{respond: okJSON("{}")}
	_, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/legacy",
		Methods:   []string{"POST"},
		Service:   "legacy-service",
		TargetURL: "http://legacy.internal",
		Transform: &transform.Policy{
			Request: &transform.RequestHooks{
				Body: func(body []byte) ([]byte, error) {
					return nil, errors.New("malformed payload")
				},
			},
		},
	}}, transport)

	w := doRequest(engine, "POST", "/api/legacy", "not json")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if kind := errorKind(t, w); kind != KindTransformationError {
		t.Errorf("error kind = %q, want %q", kind, KindTransformationError)
	}
	if transport.callCount() != 0 {
		t.Errorf("downstream called despite request transform failure")
	}
}

func TestDispatchResponseTransform(t *testing.T) {
	transport := &fakeTransport{respond: func(req *proxy.Request) (*proxy.Response, error) {
		return &proxy.Response{
			Status:  http.StatusOK,
			Headers: http.Header{"Content-Type": []string{"application/json"}},
			Body:    []byte(`{"internal_id":"42"}`),
		}, nil
	}}
	_, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/items",
		Methods:   []string{"GET"},
		Service:   "item-service",
		TargetURL: "http://items.internal",
		Transform: &transform.Policy{
			Response: &transform.ResponseHooks{
				Body: func(body []byte) ([]byte, error) {
					return []byte(strings.ReplaceAll(string(body), "internal_id", "id")), nil
				},
				Status: func(status int) (int, error) {
					return http.StatusCreated, nil
				},
			},
		},
	}}, transport)

	w := doRequest(engine, "GET", "/api/items", "")

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want rewritten 201", w.Code)
	}
	if w.Body.String() != `{"id":"42"}` {
		t.Errorf("body not rewritten: %s", w.Body.String())
	}
}

func TestDispatchAuth(t *testing.T) {
	transport := &fakeTransport{respond: okJSON("{}")}
	route := &routetable.Route{
		Path:      "/api/admin/users",
		Methods:   []string{"GET"},
		Service:   "user-service",
		TargetURL: "http://users.internal",
		Auth: &routetable.AuthPolicy{
			Required: true,
			Roles:    []string{"admin"},
		},
	}

	// Anonymous caller
	_, engine := newGateway(t, []*routetable.Route{route}, transport)
	w := doRequest(engine, "GET", "/api/admin/users", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d, want 401", w.Code)
	}
	if kind := errorKind(t, w); kind != KindAuthenticationError {
		t.Errorf("error kind = %q, want %q", kind, KindAuthenticationError)
	}

	// Authenticated but missing the role
	d, _ := newGateway(t, []*routetable.Route{route}, transport)
	engine = gin.New()
	engine.Use(func(c *gin.Context) {
		c.Set("identity", &service.Identity{UserID: "7", Roles: []string{"viewer"}})
	})
	engine.NoRoute(d.Handle)

	w = doRequest(engine, "GET", "/api/admin/users", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong role: status = %d, want 403", w.Code)
	}

	// Authenticated with the role
	d2, _ := newGateway(t, []*routetable.Route{route}, transport)
	engine = gin.New()
	engine.Use(func(c *gin.Context) {
		c.Set("identity", &service.Identity{UserID: "7", Roles: []string{"admin"}})
	})
	engine.NoRoute(d2.Handle)

	w = doRequest(engine, "GET", "/api/admin/users", "")
	if w.Code != http.StatusOK {
		t.Errorf("admin: status = %d, want 200", w.Code)
	}
}

func TestDispatchMetricsRecordedOncePerRequest(t *testing.T) {
	transport := &fakeTransport{respond: okJSON("{}")}
	d, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/ping",
		Methods:   []string{"GET"},
		Service:   "ping-service",
		TargetURL: "http://ping.internal",
	}}, transport)

	doRequest(engine, "GET", "/api/ping", "")
	doRequest(engine, "GET", "/api/missing", "")

	snap := d.Metrics().Snapshot()
	if snap.TotalRequests != 2 {
		t.Errorf("total = %d, want 2", snap.TotalRequests)
	}
	if snap.SuccessfulRequests != 1 {
		t.Errorf("successful = %d, want 1", snap.SuccessfulRequests)
	}
	if snap.FailedRequests != 1 {
		t.Errorf("failed = %d, want 1", snap.FailedRequests)
	}
	if snap.ActiveConnections != 0 {
		t.Errorf("active connections = %d after requests finished", snap.ActiveConnections)
	}
}

func TestClearRateLimit(t *testing.T) {
	transport := &fakeTransport{respond: okJSON("{}")}
	d, engine := newGateway(t, []*routetable.Route{{
		Path:      "/api/search",
		Methods:   []string{"GET"},
		Service:   "search-service",
		TargetURL: "http://search.internal",
		RateLimit: &routetable.RateLimitPolicy{Max: 1, Window: time.Minute},
	}}, transport)

	doRequest(engine, "GET", "/api/search", "")
	if w := doRequest(engine, "GET", "/api/search", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	// The dispatcher scopes keys per subject and operation
	if err := d.ClearRateLimit(context.Background(), "ip:192.0.2.1|GET /api/search"); err != nil {
		t.Fatalf("ClearRateLimit: %v", err)
	}

	if w := doRequest(engine, "GET", "/api/search", ""); w.Code != http.StatusOK {
		t.Errorf("status after clear = %d, want 200", w.Code)
	}
}

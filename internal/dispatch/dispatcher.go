package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/gateway-core/internal/circuitbreaker"
	"github.com/aman-churiwal/gateway-core/internal/proxy"
	"github.com/aman-churiwal/gateway-core/internal/ratelimit"
	"github.com/aman-churiwal/gateway-core/internal/routetable"
	"github.com/aman-churiwal/gateway-core/internal/service"
	"github.com/aman-churiwal/gateway-core/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Signals that the downstream answered with a 5xx; the response itself is
// still passed through to the caller after failure accounting
var errDownstream5xx = errors.New("downstream returned 5xx")

// Sequences route resolution, versioning, transformation, rate limiting,
// circuit breaking and the downstream call for every inbound request.
// Holds no per-request state and is safe under unbounded concurrency.
type Dispatcher struct {
	routes    *routetable.Table
	breakers  *circuitbreaker.Registry
	store     ratelimit.Store
	transport proxy.Transport
	metrics   *Metrics
}

func New(routes *routetable.Table, breakers *circuitbreaker.Registry, store ratelimit.Store, transport proxy.Transport) *Dispatcher {
	return &Dispatcher{
		routes:    routes,
		breakers:  breakers,
		store:     store,
		transport: transport,
		metrics:   NewMetrics(),
	}
}

func (d *Dispatcher) Metrics() *Metrics {
	return d.metrics
}

func (d *Dispatcher) Routes() *routetable.Table {
	return d.routes
}

func (d *Dispatcher) Breakers() *circuitbreaker.Registry {
	return d.breakers
}

// Operator-triggered reset of a single rate-limit key across every
// algorithm's key shape
func (d *Dispatcher) ClearRateLimit(ctx context.Context, key string) error {
	return d.store.Del(ctx,
		"ratelimit:fixed:"+key,
		"ratelimit:fixed:"+key+":reset_time",
		"ratelimit:sliding:"+key,
		"ratelimit:bucket:"+key,
	)
}

func (d *Dispatcher) Handle(c *gin.Context) {
	start := time.Now()
	d.metrics.ConnOpened()
	defer d.metrics.ConnClosed()

	requestID := c.GetString("request_id")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	// RESOLVE
	match, err := d.routes.Resolve(c.Request.URL.Path, c.Request.Method)
	if err != nil {
		d.fail(c, start, routeNotFound())
		return
	}
	route := match.Route
	c.Set("service", route.Service)

	identity := identityFrom(c)
	if gerr := checkAuth(route, identity); gerr != nil {
		d.fail(c, start, gerr)
		return
	}

	// VERSION
	if _, err := version.Apply(c.Request, route.Versioning); err != nil {
		var unsupported *version.UnsupportedVersionError
		switch {
		case errors.Is(err, version.ErrVersionRequired):
			d.fail(c, start, versionRequired())
		case errors.As(err, &unsupported):
			d.fail(c, start, unsupportedVersion(unsupported.Error()))
		default:
			d.fail(c, start, unsupportedVersion("invalid api version"))
		}
		return
	}

	// TRANSFORM_REQUEST
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		d.fail(c, start, transformationError())
		return
	}

	outHeaders := make(http.Header)
	copyAllowed(outHeaders, c.Request.Header, requestAllowList(route))
	outHeaders.Set("X-Gateway-Request-Id", requestID)
	outHeaders.Set("X-Gateway-Service", route.Service)
	outHeaders.Set("X-Gateway-Timestamp", time.Now().UTC().Format(time.RFC3339))

	body, err = route.Transform.ApplyRequest(body, outHeaders)
	if err != nil {
		log.Printf("[%s] request transform failed: %v", requestID, err)
		d.fail(c, start, transformationError())
		return
	}

	// RATE_LIMIT - gates the request before any failure accounting happens
	if pol := route.RateLimit; pol != nil {
		limiter := ratelimit.NewLimiter(d.store, pol.Algorithm, pol.Max, pol.Window)
		key := rateLimitKey(identity, c) + "|" + route.Operation(c.Request.Method)

		decision, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			// Store unreachable: let the request through
			log.Printf("[%s] rate limit store error, failing open: %v", requestID, err)
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetTime.Unix(), 10))

		if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
			d.fail(c, start, rateLimitExceeded(decision.RetryAfter))
			return
		}
	}

	// CIRCUIT_CHECK + FORWARD + CIRCUIT_RECORD
	breaker := d.breakers.GetWith(route.Service, breakerConfig(route))

	outReq := &proxy.Request{
		Method:  c.Request.Method,
		URL:     joinTarget(route.TargetURL, c.Request.URL.Path),
		Headers: outHeaders,
		Query:   c.Request.URL.Query(),
		Body:    body,
	}

	var resp *proxy.Response
	err = breaker.ExecuteTimeout(c.Request.Context(), route.Timeout, func(ctx context.Context) error {
		r, err := d.transport.Do(ctx, outReq)
		if err != nil {
			return err
		}
		resp = r
		if r.Status >= 500 {
			return errDownstream5xx
		}
		return nil
	})

	downstreamFailed := false
	if err != nil {
		switch {
		case errors.Is(err, circuitbreaker.ErrCircuitOpen):
			d.metrics.RecordTrip()
			d.fail(c, start, circuitOpen(route.Service))
			return
		case errors.Is(err, circuitbreaker.ErrTimeout):
			d.fail(c, start, downstreamTimeout(route.Service))
			return
		case errors.Is(err, errDownstream5xx):
			// Recorded against the breaker; the body still goes back
			downstreamFailed = true
		default:
			log.Printf("[%s] downstream call to %s failed: %v", requestID, route.Service, err)
			d.fail(c, start, downstreamError(route.Service))
			return
		}
	}

	// TRANSFORM_RESPONSE
	respHeaders := resp.Headers.Clone()
	respBody, status, err := route.Transform.ApplyResponse(resp.Body, respHeaders, resp.Status)
	if err != nil {
		log.Printf("[%s] response transform failed: %v", requestID, err)
		d.fail(c, start, transformationError())
		return
	}

	// RESPOND
	copyAllowed(c.Writer.Header(), respHeaders, responseAllowList(route))

	latency := time.Since(start)
	c.Header("X-Gateway-Response-Time", fmt.Sprintf("%dms", latency.Milliseconds()))
	d.metrics.Record(!downstreamFailed, float64(latency.Microseconds())/1000)

	c.Data(status, respHeaders.Get("Content-Type"), respBody)
}

// Maps a stage failure to a response; every failure updates metrics
// exactly once and carries a timestamp plus a stable error kind
func (d *Dispatcher) fail(c *gin.Context, start time.Time, gerr *Error) {
	latency := time.Since(start)
	d.metrics.Record(false, float64(latency.Microseconds())/1000)

	c.Set("error_kind", gerr.Kind)
	c.Header("X-Gateway-Response-Time", fmt.Sprintf("%dms", latency.Milliseconds()))

	resp := gin.H{
		"error":     gerr.Kind,
		"message":   gerr.Message,
		"timestamp": time.Now().Unix(),
	}
	if gerr.RetryAfter > 0 {
		resp["retry_after"] = gerr.RetryAfter
	}

	c.JSON(gerr.Status, resp)
	c.Abort()
}

// Identity placed on the context by the auth middleware, if any
func identityFrom(c *gin.Context) *service.Identity {
	v, ok := c.Get("identity")
	if !ok {
		return nil
	}
	identity, _ := v.(*service.Identity)
	return identity
}

func checkAuth(route *routetable.Route, identity *service.Identity) *Error {
	if route.Auth == nil || !route.Auth.Required {
		return nil
	}
	if identity == nil {
		return authenticationRequired()
	}

	for _, role := range route.Auth.Roles {
		if !identity.HasRole(role) {
			return authorizationDenied()
		}
	}
	for _, perm := range route.Auth.Permissions {
		if !identity.HasPermission(perm) {
			return authorizationDenied()
		}
	}

	return nil
}

// Rate-limit subject: authenticated identity first, client IP fallback
func rateLimitKey(identity *service.Identity, c *gin.Context) string {
	if identity != nil && identity.UserID != "" {
		return "user:" + identity.UserID
	}
	return "ip:" + c.ClientIP()
}

func breakerConfig(route *routetable.Route) circuitbreaker.Config {
	if route.CircuitBreaker == nil {
		return circuitbreaker.Config{}
	}
	return circuitbreaker.Config{
		FailureThreshold: route.CircuitBreaker.FailureThreshold,
		ResetTimeout:     route.CircuitBreaker.ResetTimeout,
		CallTimeout:      route.CircuitBreaker.CallTimeout,
	}
}

func requestAllowList(route *routetable.Route) []string {
	if len(route.RequestHeaderAllowList) > 0 {
		return route.RequestHeaderAllowList
	}
	return defaultRequestAllowList
}

func responseAllowList(route *routetable.Route) []string {
	if len(route.ResponseHeaderAllowList) > 0 {
		return route.ResponseHeaderAllowList
	}
	return defaultResponseAllowList
}

func joinTarget(target, path string) string {
	return strings.TrimSuffix(target, "/") + path
}

package routetable

import (
	"time"

	"github.com/aman-churiwal/gateway-core/internal/transform"
)

// Sentinel method meaning the route accepts every HTTP method
const MethodAll = "ALL"

// Maps a path pattern + method set to a downstream service
type Route struct {
	Path      string   `json:"path"`
	Methods   []string `json:"methods"`
	Service   string   `json:"service"`
	TargetURL string   `json:"target_url"`
	Priority  int      `json:"priority"`

	Timeout time.Duration `json:"timeout,omitempty"`

	Auth           *AuthPolicy           `json:"auth,omitempty"`
	RateLimit      *RateLimitPolicy      `json:"rate_limit,omitempty"`
	CircuitBreaker *CircuitBreakerPolicy `json:"circuit_breaker,omitempty"`
	Versioning     *VersionPolicy        `json:"versioning,omitempty"`
	Transform      *transform.Policy     `json:"-"`

	// Overrides for the dispatcher's default header allow-lists
	RequestHeaderAllowList  []string `json:"request_header_allow_list,omitempty"`
	ResponseHeaderAllowList []string `json:"response_header_allow_list,omitempty"`

	// Insertion sequence, used to break priority ties
	seq uint64
}

type AuthPolicy struct {
	Required    bool     `json:"required"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type RateLimitPolicy struct {
	Algorithm string        `json:"algorithm,omitempty"` // defaults to fixed_window
	Max       int           `json:"max"`
	Window    time.Duration `json:"window"`
}

type CircuitBreakerPolicy struct {
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	CallTimeout      time.Duration `json:"call_timeout"`
}

type VersionPolicy struct {
	// "header", "query" or "path"
	Type       string   `json:"type"`
	HeaderName string   `json:"header_name,omitempty"`
	QueryParam string   `json:"query_param,omitempty"`
	Default    string   `json:"default,omitempty"`
	Supported  []string `json:"supported"`
	Required   bool     `json:"required"`
}

// A resolved route plus the path parameters extracted while matching
type Match struct {
	Route  *Route
	Params map[string]string
}

// Reports whether the route accepts the given HTTP method
func (r *Route) AllowsMethod(method string) bool {
	for _, m := range r.Methods {
		if m == method || m == MethodAll {
			return true
		}
	}
	return false
}

// Normalized operation name used for rate-limit key scoping
func (r *Route) Operation(method string) string {
	return method + " " + r.Path
}

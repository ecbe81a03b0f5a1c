package dispatch

import (
	"net/http"
)

// Stable error kinds surfaced to callers
const (
	KindRouteNotFound       = "route_not_found"
	KindVersionRequired     = "version_required"
	KindUnsupportedVersion  = "unsupported_version"
	KindRateLimitExceeded   = "rate_limit_exceeded"
	KindCircuitOpen         = "circuit_open"
	KindDownstreamTimeout   = "downstream_timeout"
	KindDownstreamError     = "downstream_error"
	KindTransformationError = "transformation_error"
	KindAuthenticationError = "authentication_failed"
	KindAuthorizationError  = "authorization_denied"
)

// A stage failure mapped to an HTTP response. Internal details never leak;
// callers see the kind, a message and a timestamp.
type Error struct {
	Kind       string `json:"error"`
	Status     int    `json:"-"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Message
}

func routeNotFound() *Error {
	return &Error{Kind: KindRouteNotFound, Status: http.StatusNotFound, Message: "no route matches the requested path and method"}
}

func versionRequired() *Error {
	return &Error{Kind: KindVersionRequired, Status: http.StatusBadRequest, Message: "an api version is required for this route"}
}

func unsupportedVersion(msg string) *Error {
	return &Error{Kind: KindUnsupportedVersion, Status: http.StatusBadRequest, Message: msg}
}

func rateLimitExceeded(retryAfter int) *Error {
	return &Error{
		Kind:       KindRateLimitExceeded,
		Status:     http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

func circuitOpen(service string) *Error {
	return &Error{Kind: KindCircuitOpen, Status: http.StatusServiceUnavailable, Message: "service " + service + " is temporarily unavailable"}
}

func downstreamTimeout(service string) *Error {
	return &Error{Kind: KindDownstreamTimeout, Status: http.StatusGatewayTimeout, Message: "service " + service + " did not respond in time"}
}

func downstreamError(service string) *Error {
	return &Error{Kind: KindDownstreamError, Status: http.StatusBadGateway, Message: "service " + service + " could not be reached"}
}

func transformationError() *Error {
	return &Error{Kind: KindTransformationError, Status: http.StatusInternalServerError, Message: "request processing failed"}
}

func authenticationRequired() *Error {
	return &Error{Kind: KindAuthenticationError, Status: http.StatusUnauthorized, Message: "authentication required"}
}

func authorizationDenied() *Error {
	return &Error{Kind: KindAuthorizationError, Status: http.StatusForbidden, Message: "insufficient permissions"}
}

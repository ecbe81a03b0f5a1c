package transform

import (
	"fmt"
	"net/http"
)

// Error raised when a configured transformation hook fails. The dispatcher
// surfaces it as a 500 and, for the request stage, skips the downstream call.
type Error struct {
	Stage string // "request" or "response"
	Part  string // "body", "headers" or "status"
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transformation failed (%s %s): %v", e.Stage, e.Part, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Per-route transformation hooks. Each function is applied only if set,
// always in the order body, headers, status.
type Policy struct {
	Request  *RequestHooks
	Response *ResponseHooks
}

type RequestHooks struct {
	Body    func(body []byte) ([]byte, error)
	Headers func(headers http.Header) error
}

type ResponseHooks struct {
	Body    func(body []byte) ([]byte, error)
	Headers func(headers http.Header) error
	Status  func(status int) (int, error)
}

// Runs the request-stage hooks against the outbound body and headers
func (p *Policy) ApplyRequest(body []byte, headers http.Header) ([]byte, error) {
	if p == nil || p.Request == nil {
		return body, nil
	}

	if p.Request.Body != nil {
		out, err := p.Request.Body(body)
		if err != nil {
			return nil, &Error{Stage: "request", Part: "body", Err: err}
		}
		body = out
	}

	if p.Request.Headers != nil {
		if err := p.Request.Headers(headers); err != nil {
			return nil, &Error{Stage: "request", Part: "headers", Err: err}
		}
	}

	return body, nil
}

// Runs the response-stage hooks; returns the rewritten body and status
func (p *Policy) ApplyResponse(body []byte, headers http.Header, status int) ([]byte, int, error) {
	if p == nil || p.Response == nil {
		return body, status, nil
	}

	if p.Response.Body != nil {
		out, err := p.Response.Body(body)
		if err != nil {
			return nil, 0, &Error{Stage: "response", Part: "body", Err: err}
		}
		body = out
	}

	if p.Response.Headers != nil {
		if err := p.Response.Headers(headers); err != nil {
			return nil, 0, &Error{Stage: "response", Part: "headers", Err: err}
		}
	}

	if p.Response.Status != nil {
		out, err := p.Response.Status(status)
		if err != nil {
			return nil, 0, &Error{Stage: "response", Part: "status", Err: err}
		}
		status = out
	}

	return body, status, nil
}

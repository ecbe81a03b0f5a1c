package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Outbound call to a downstream service
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Query   url.Values
	Body    []byte
	Timeout time.Duration
}

type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Abstract downstream capability injected into the dispatcher. Implemented
// over net/http in production, faked in tests.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	target := req.URL
	if len(req.Query) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		u.RawQuery = req.Query.Encode()
		target = u.String()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}

	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    respBody,
	}, nil
}

package dispatch

import (
	"net/http"
)

// Headers copied from the caller to the downstream call unless the route
// overrides the list
var defaultRequestAllowList = []string{
	"Content-Type",
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"User-Agent",
	"X-Request-Id",
	"X-API-Version",
}

// Headers copied from the downstream response back to the caller
var defaultResponseAllowList = []string{
	"Content-Type",
	"Content-Language",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"X-API-Version",
}

func copyAllowed(dst, src http.Header, allowList []string) {
	for _, name := range allowList {
		for _, v := range src.Values(name) {
			dst.Add(name, v)
		}
	}
}

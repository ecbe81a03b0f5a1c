package version

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/aman-churiwal/gateway-core/internal/routetable"
)

const (
	DefaultHeaderName = "X-API-Version"
	DefaultQueryParam = "version"
)

// ErrVersionRequired is returned when a policy demands a version and
// neither the request nor the policy default supplies one
var ErrVersionRequired = errors.New("api version required")

// Returned when the supplied version is not in the policy's supported set
type UnsupportedVersionError struct {
	Version   string
	Supported []string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported api version %q (supported: %v)", e.Version, e.Supported)
}

var pathVersionPattern = regexp.MustCompile(`/(v\d+)(?:/|$)`)

// Extracts, validates and normalizes the API version per policy. On
// success the resolved version is stamped onto the request header and
// query so downstream consumers always observe the same value.
func Apply(r *http.Request, pol *routetable.VersionPolicy) (string, error) {
	if pol == nil {
		return "", nil
	}

	v := extract(r, pol)

	if v == "" {
		v = pol.Default
	}
	if v == "" {
		if pol.Required {
			return "", ErrVersionRequired
		}
		return "", nil
	}

	if len(pol.Supported) > 0 && !contains(pol.Supported, v) {
		return "", &UnsupportedVersionError{Version: v, Supported: pol.Supported}
	}

	stamp(r, pol, v)
	return v, nil
}

func extract(r *http.Request, pol *routetable.VersionPolicy) string {
	switch pol.Type {
	case "header":
		return r.Header.Get(headerName(pol))
	case "query":
		return r.URL.Query().Get(queryParam(pol))
	case "path":
		if m := pathVersionPattern.FindStringSubmatch(r.URL.Path); m != nil {
			return m[1]
		}
		return ""
	default:
		return ""
	}
}

func stamp(r *http.Request, pol *routetable.VersionPolicy, v string) {
	r.Header.Set(headerName(pol), v)

	query := r.URL.Query()
	query.Set(queryParam(pol), v)
	r.URL.RawQuery = query.Encode()
}

func headerName(pol *routetable.VersionPolicy) string {
	if pol.HeaderName != "" {
		return pol.HeaderName
	}
	return DefaultHeaderName
}

func queryParam(pol *routetable.VersionPolicy) string {
	if pol.QueryParam != "" {
		return pol.QueryParam
	}
	return DefaultQueryParam
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

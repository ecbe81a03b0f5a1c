package transform

import (
	"net/url"
	"strconv"
	"strings"
	"unicode"
)

// Pure helpers usable outside the route-driven hooks. None of them touch
// shared state.

// Converts every key of a decoded JSON object tree to snake_case
func SnakeCaseKeys(v interface{}) interface{} {
	return mapKeys(v, ToSnakeCase)
}

// Converts every key of a decoded JSON object tree to camelCase
func CamelCaseKeys(v interface{}) interface{} {
	return mapKeys(v, ToCamelCase)
}

func mapKeys(v interface{}, fn func(string) string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fn(k)] = mapKeys(val, fn)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = mapKeys(val, fn)
		}
		return out
	default:
		return v
	}
}

func ToSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func ToCamelCase(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

// Removes nil values from a decoded JSON object tree
func StripNulls(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = StripNulls(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, val := range t {
			if val == nil {
				continue
			}
			out = append(out, StripNulls(val))
		}
		return out
	default:
		return v
	}
}

// Clamps page/limit query parameters to sane values
func NormalizePagination(query url.Values, maxLimit int) {
	page, err := strconv.Atoi(query.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	limit, err := strconv.Atoi(query.Get("limit"))
	if err != nil || limit < 1 {
		limit = 20
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
}

// Normalizes a sort parameter of the form "field" or "-field" into
// separate sort_by/sort_order parameters
func NormalizeSort(query url.Values) {
	sort := query.Get("sort")
	if sort == "" {
		return
	}

	order := "asc"
	if strings.HasPrefix(sort, "-") {
		order = "desc"
		sort = sort[1:]
	}

	query.Del("sort")
	query.Set("sort_by", sort)
	query.Set("sort_order", order)
}

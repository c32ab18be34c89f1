// Package nested reads loosely typed values out of decoded JSON documents.
//
// Paths are dot separated. A segment may list alternatives separated by "|",
// tried in order, and numeric segments index into arrays. Objects that arrive
// JSON-encoded inside a string are decoded on the fly.
//
//	nested.Get(payload, "data.metadata|meta.enrollment_id", "", nested.String)
package nested

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Converter turns a raw decoded value into T, reporting whether it could.
type Converter[T any] func(v interface{}) (T, bool)

// Lookup returns the first non-nil value reachable through path.
func Lookup(root interface{}, path string) (interface{}, bool) {
	return walk(root, splitPath(path), func(v interface{}) bool { return v != nil })
}

// Find returns the first value along path that conv accepts. Alternatives
// whose value cannot be converted are skipped.
func Find[T any](root interface{}, path string, conv Converter[T]) (T, bool) {
	var out T
	_, ok := walk(root, splitPath(path), func(v interface{}) bool {
		t, ok := conv(v)
		if ok {
			out = t
		}
		return ok
	})
	return out, ok
}

// Get is Find with a fallback for missing or unconvertible values.
func Get[T any](root interface{}, path string, def T, conv Converter[T]) T {
	if v, ok := Find(root, path, conv); ok {
		return v
	}
	return def
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func walk(node interface{}, segs []string, accept func(interface{}) bool) (interface{}, bool) {
	if len(segs) == 0 {
		if node != nil && accept(node) {
			return node, true
		}
		return nil, false
	}
	for _, alt := range strings.Split(segs[0], "|") {
		child, ok := step(node, alt)
		if !ok {
			continue
		}
		if v, ok := walk(child, segs[1:], accept); ok {
			return v, true
		}
	}
	return nil, false
}

func step(node interface{}, key string) (interface{}, bool) {
	switch n := node.(type) {
	case map[string]interface{}:
		v, ok := n[key]
		return v, ok && v != nil
	case []interface{}:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(n) {
			return nil, false
		}
		return n[i], n[i] != nil
	case string:
		trimmed := strings.TrimSpace(n)
		if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
			return nil, false
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return nil, false
		}
		return step(decoded, key)
	}
	return nil, false
}

// String accepts strings, numbers and booleans. Empty strings count as missing.
func String(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

// Int64 accepts integral numbers and numeric strings.
func Int64(v interface{}) (int64, bool) {
	f, ok := Float64(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

// Float64 accepts numbers and numeric strings.
func Float64(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// Decimal accepts numbers and numeric strings without going through float
// when the source is textual.
func Decimal(v interface{}) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	}
	return decimal.Decimal{}, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time accepts ISO-8601 strings and unix timestamps in seconds or milliseconds.
func Time(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	case float64, json.Number, int, int64:
		n, ok := Int64(x)
		if !ok || n <= 0 {
			return time.Time{}, false
		}
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}

// Bool accepts booleans, "true"/"false" style strings and numbers.
func Bool(v interface{}) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	case float64:
		return x != 0, true
	}
	return false, false
}

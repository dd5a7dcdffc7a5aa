package command

import (
	"fmt"
	"strconv"
)

// Results holds the named values of a reply or notification. Values are
// strings, lists ([]any) and tuples (map[string]any) as decoded by the codec.
type Results map[string]any

// String returns the string value of key, or "".
func (r Results) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the integer value of key, or def when absent or malformed.
func (r Results) Int(key string, def int) int {
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns true when key holds "y", "yes", "true" or "1".
func (r Results) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case string:
		return v == "y" || v == "yes" || v == "true" || v == "1"
	}
	return false
}

// Tuple returns the tuple value of key.
func (r Results) Tuple(key string) Results {
	return asResults(r[key])
}

// List returns the list value of key.
func (r Results) List(key string) []any {
	switch v := r[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	}
	return nil
}

// Tuples returns the list value of key as tuples, skipping other elements.
func (r Results) Tuples(key string) []Results {
	var out []Results
	for _, v := range r.List(key) {
		if t := asResults(v); t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Strings returns the list value of key as strings. A single string value
// yields a one-element slice.
func (r Results) Strings(key string) []string {
	if s, ok := r[key].(string); ok {
		return []string{s}
	}
	var out []string
	for _, v := range r.List(key) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asResults(v any) Results {
	switch t := v.(type) {
	case Results:
		return t
	case map[string]any:
		return Results(t)
	case map[any]any:
		out := make(Results, len(t))
		for k, v := range t {
			out[fmt.Sprint(k)] = v
		}
		return out
	}
	return nil
}

// Package mcp carries small ambient helpers adapted from the teacher's MCP
// runtime layer that the orchestrator's own transport/admin packages reuse
// directly rather than reimplementing.
package mcp

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// CoerceQuery converts a URL query map into a JSON-friendly object:
// - Repeated parameters become arrays preserving input order
// - "true"/"false" (case-insensitive) become booleans
// - RFC3339/RFC3339Nano values become time.Time
// - Numeric strings become int64 or float64 when obvious
// It does not coerce "0"/"1" to booleans.
func CoerceQuery(m map[string][]string) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := m[k]
		if len(vals) == 1 {
			out[k] = coerce(vals[0])
			continue
		}
		arr := make([]any, len(vals))
		for i := range vals {
			arr[i] = coerce(vals[i])
		}
		out[k] = arr
	}
	return out
}

func coerce(s string) any {
	// Trim but preserve original if no coercion applies.
	t := strings.TrimSpace(s)
	if t == "" {
		return ""
	}
	// Booleans: only true/false, case-insensitive.
	if strings.EqualFold(t, "true") {
		return true
	}
	if strings.EqualFold(t, "false") {
		return false
	}
	// RFC3339 timestamps.
	if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, t); err == nil {
		return ts
	}
	// Numbers: prefer int if it looks integral; otherwise float.
	if looksIntegral(t) {
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return i
		}
	}
	if looksFloat(t) {
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return s
}

func looksIntegral(s string) bool {
	if s == "" {
		return false
	}
	start := 0
	if s[0] == '-' {
		if len(s) == 1 {
			return false
		}
		start = 1
	}
	for i := start; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func looksFloat(s string) bool {
	// Heuristic: contains a dot or exponent. Delegate validation to ParseFloat.
	return strings.ContainsAny(s, ".eE")
}

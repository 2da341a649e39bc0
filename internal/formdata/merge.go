// Package formdata holds the open form document carried by an application
// state: merge rules, sanitizing and the typed accessors business logic uses
// to read it.
package formdata

import (
	"strings"
	"unicode"
)

// Merge deep-merges patch into a copy of base. Nested objects merge key by
// key with patch winning on conflict; arrays and scalars from patch replace
// the existing value wholesale. Neither input is modified.
func Merge(base, patch map[string]interface{}) map[string]interface{} {
	out := Clone(base)
	if out == nil {
		out = make(map[string]interface{}, len(patch))
	}
	for k, pv := range patch {
		pm, patchIsMap := pv.(map[string]interface{})
		bm, baseIsMap := out[k].(map[string]interface{})
		if patchIsMap && baseIsMap {
			out[k] = Merge(bm, pm)
			continue
		}
		out[k] = cloneValue(pv)
	}
	return out
}

// Clone returns a deep copy of m.
func Clone(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return Clone(t)
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}

// Sanitize strips control characters from every string in m, recursively.
// Newlines and tabs survive since free-text answers use them.
func Sanitize(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return stripControl(t)
	case map[string]interface{}:
		return Sanitize(t)
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, e := range t {
			cp[i] = sanitizeValue(e)
		}
		return cp
	default:
		return v
	}
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Package template renders playbook step params against an execution's
// variables tree using an explicit recursive resolver over a tagged value
// tree: maps, slices, and scalar leaves, with one "missing path renders
// empty string" rule applied uniformly.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// placeholderPattern matches `{{ path.to.value }}` with optional surrounding
// whitespace inside the braces.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render walks v recursively, substituting `{{ path }}` placeholders found
// in string leaves against variables. Maps and slices are rendered
// element-wise; non-string, non-container leaves pass through unchanged.
// Rendering the same tree twice against the same variables yields
// byte-identical output (no hidden state, no randomness).
func Render(v interface{}, variables map[string]interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Render(val, variables)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Render(val, variables)
		}
		return out
	case string:
		return renderString(t, variables)
	default:
		return v
	}
}

// renderString substitutes every placeholder in s. A template consisting of
// exactly one placeholder (e.g. "{{score}}") resolves to the path's native
// value (preserving type); placeholders embedded in larger strings resolve
// to their string form.
func renderString(s string, variables map[string]interface{}) interface{} {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		value, ok := Resolve(path, variables)
		if !ok {
			return ""
		}
		return value
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := s[m[2]:m[3]]
		value, ok := Resolve(path, variables)
		if !ok {
			b.WriteString("")
		} else {
			b.WriteString(stringify(value))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// Resolve walks a dotted path against variables natively (no JSON
// round-trip). It returns ok=false for any missing segment, matching the
// "missing paths render as empty strings" rule.
func Resolve(path string, variables map[string]interface{}) (interface{}, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")

	var current interface{} = variables
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		next, exists := m[seg]
		if !exists {
			return nil, false
		}
		current = next
	}
	return current, true
}

// ResolveJSON walks a dotted path against a raw JSON document (e.g. a
// stored triggerData blob) using gjson, for callers holding serialized data
// rather than an in-memory variables tree.
func ResolveJSON(path string, raw []byte) (interface{}, bool) {
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

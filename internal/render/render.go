// Package render provides deterministic template substitution for dynamic
// call variables. Placeholders use the form {{ dotted.path }} and resolve
// against a nested variable map; unresolvable placeholders are left intact
// so downstream instruction text that carries its own double-brace macros
// is never corrupted.
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Render substitutes every resolvable {{ dotted.path }} span in template
// with the value found in vars. Spans whose path does not resolve are
// returned byte-for-byte unchanged. Compound values (maps, slices) are
// substituted as their JSON serialization.
func Render(template string, vars map[string]any) string {
	if template == "" {
		return template
	}
	return placeholderRE.ReplaceAllStringFunc(template, func(match string) string {
		sub := placeholderRE.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		val, ok := lookupPath(vars, sub[1])
		if !ok || val == nil {
			return match
		}
		return stringify(val)
	})
}

// RenderDeep walks value, rendering every string it finds against vars.
// Slices and maps are traversed recursively; non-string scalars are
// returned untouched. The input is never mutated.
func RenderDeep(value any, vars map[string]any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return Render(v, vars)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = RenderDeep(item, vars)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = RenderDeep(item, vars)
		}
		return out
	default:
		return value
	}
}

// lookupPath splits path on "." and walks vars. Empty segments are
// skipped; any absent segment makes the lookup fail as a whole.
func lookupPath(vars map[string]any, path string) (any, bool) {
	if vars == nil {
		return nil, false
	}
	var cur any = vars
	found := false
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
		found = true
	}
	if !found {
		return nil, false
	}
	return cur, true
}

func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

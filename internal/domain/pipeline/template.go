package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
)

// Render resolves every ${...} occurrence in v against ctx and returns the
// rendered value. Maps and slices are walked recursively, strings are
// substituted, and everything else passes through untouched. A string whose
// entire content is a single ${...} occurrence resolves to the typed value at
// that path; a path embedded in a larger string contributes its string form.
// Rendering is pure: it never mutates v or ctx.
func Render(v any, ctx map[string]any) (any, error) {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		return renderString(tv, ctx)
	default:
		return v, nil
	}
}

// RenderString substitutes ${...} occurrences in s and returns the result as
// a string regardless of the resolved types.
func RenderString(s string, ctx map[string]any) (string, error) {
	out, err := renderString(s, ctx)
	if err != nil {
		return "", err
	}
	if str, ok := out.(string); ok {
		return str, nil
	}
	return stringify(out), nil
}

func renderString(s string, ctx map[string]any) (any, error) {
	start := strings.Index(s, "${")
	if start < 0 {
		return s, nil
	}

	// Whole-field substitution preserves the resolved type.
	if start == 0 && strings.HasSuffix(s, "}") && strings.Index(s[2:], "${") < 0 {
		inner := s[2 : len(s)-1]
		if !strings.Contains(inner, "}") {
			return resolvePath(inner, ctx)
		}
	}

	var b strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, "${")
		if idx < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:idx])
		end := strings.Index(rest[idx:], "}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated ${ in %q", s)
		}
		val, err := resolvePath(rest[idx+2:idx+end], ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[idx+end+1:]
	}
}

// resolvePath evaluates a path query against ctx. A path that resolves to
// nothing yields nil rather than an error.
func resolvePath(path string, ctx map[string]any) (any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty path expression")
	}
	val, err := jmespath.Search(path, any(ctx))
	if err != nil {
		return nil, fmt.Errorf("path %q: %w", path, err)
	}
	return val, nil
}

// stringify produces the concatenation form of a resolved value. Unresolved
// paths (nil) contribute nothing, and integral floats drop the decimal point
// so that 15.0 renders as "15".
func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(tv), 'f', -1, 32)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case json.Number:
		return tv.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

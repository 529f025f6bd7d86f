package pipeline

import (
	"strconv"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
)

// EvaluateCondition renders a step's "if" expression against ctx and reports
// whether the step should run. Null, false, empty strings, and empty
// collections are all falsy, as is any path that resolves to nothing.
func EvaluateCondition(expr string, ctx map[string]any) (bool, error) {
	rendered, err := RenderString(expr, ctx)
	if err != nil {
		return false, err
	}
	rendered = strings.TrimSpace(rendered)
	if rendered == "" {
		return false, nil
	}
	val, err := jmespath.Search(normalizeBareLiterals(rendered), any(ctx))
	if err != nil {
		return false, err
	}
	return truthy(val), nil
}

// truthy follows JMESPath boolean semantics.
func truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		return tv != ""
	case []any:
		return len(tv) > 0
	case map[string]any:
		return len(tv) > 0
	default:
		return true
	}
}

// normalizeBareLiterals rewrites bare numeric, boolean, and null comparison
// operands into backtick literal form, so that conditions can be written as
// "steps.w.temp > 25" instead of "steps.w.temp > `25`". A token is only
// wrapped when it starts a new term, which keeps path segments like
// "steps.w2.temp" and function names intact.
func normalizeBareLiterals(expr string) string {
	var b strings.Builder
	b.Grow(len(expr) + 8)

	prev := byte(0)
	termStart := func() bool {
		switch prev {
		case 0, '(', ',', '=', '<', '>', '!', '&', '|':
			return true
		}
		return false
	}

	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			j := i + 1
			for j < len(expr) {
				if expr[j] == '\\' {
					j += 2
					continue
				}
				if expr[j] == c {
					j++
					break
				}
				j++
			}
			b.WriteString(expr[i:j])
			prev = c
			i = j
		case c == ' ' || c == '\t':
			b.WriteByte(c)
			i++
		case isWordByte(c) || (c == '-' && termStart()):
			j := i + 1
			for j < len(expr) && (isWordByte(expr[j]) || expr[j] == '.') {
				j++
			}
			tok := expr[i:j]
			if termStart() && isBareLiteral(tok) {
				b.WriteByte('`')
				b.WriteString(tok)
				b.WriteByte('`')
			} else {
				b.WriteString(tok)
			}
			prev = tok[len(tok)-1]
			i = j
		default:
			b.WriteByte(c)
			prev = c
			i++
		}
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

func isBareLiteral(tok string) bool {
	switch tok {
	case "true", "false", "null":
		return true
	}
	_, err := strconv.ParseFloat(tok, 64)
	return err == nil
}

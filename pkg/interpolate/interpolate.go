package interpolate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Merge layers variable maps left to right; later maps override earlier ones.
// Used to combine organization globals, flow variables and conversation
// context variables before rendering.
func Merge(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Render substitutes every {{name}} placeholder in s from vars. Undefined
// placeholders render as the empty string and emit a warning.
func Render(s string, vars map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSpace(strings.Trim(match, "{}"))
		v, ok := vars[name]
		if !ok {
			logrus.Warnf("[INTERPOLATE] Undefined placeholder %q rendered as empty string", name)
			return ""
		}
		return Stringify(v)
	})
}

// RenderExpr evaluates a mapping source expression: either a {{var}}
// reference (resolved to the variable's value, nil if absent) or a literal.
func RenderExpr(expr string, vars map[string]any) any {
	trimmed := strings.TrimSpace(expr)
	if m := placeholderRe.FindStringSubmatch(trimmed); m != nil && placeholderRe.FindString(trimmed) == trimmed {
		return vars[m[1]]
	}
	return Render(expr, vars)
}

// Stringify renders a variable value the way message bodies expect: no
// quotes around strings, %v for everything else.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; render integers without decimals.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Package template resolves {namespace.field} interpolation in step config
// values and prompts.
//
// Recognized namespaces: "context" (and its alias "ctx"), "asset", and any
// prior step id. References are validated against declared namespaces at
// pipeline compile time; a reference that cannot be resolved at run time is a
// typed Error, never a silently stringified nil.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var varPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z0-9_.]+)\}`)

// Error reports an unresolvable template reference.
type Error struct {
	Ref string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("template: %s: {%s}", e.Msg, e.Ref)
}

// Var is one parsed {namespace.field} reference.
type Var struct {
	Namespace string
	Field     string
}

func (v Var) String() string { return v.Namespace + "." + v.Field }

// Vars extracts all template references from a string.
func Vars(s string) []Var {
	matches := varPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Var, 0, len(matches))
	for _, m := range matches {
		out = append(out, Var{Namespace: m[1], Field: m[2]})
	}
	return out
}

// VarsIn walks a config value (strings, maps, slices) and collects every
// template reference it contains.
func VarsIn(data any) []Var {
	var out []Var
	walkStrings(data, func(s string) {
		out = append(out, Vars(s)...)
	})
	return out
}

// Validate checks every reference in data against the declared namespaces.
// contextKeys are keys of the pipeline context section, assetFields the
// declared asset field names (nil means untyped, any field allowed), and
// stepIDs the ids of steps whose output is visible.
func Validate(data any, contextKeys, assetFields, stepIDs map[string]bool) error {
	var bad []string
	for _, v := range VarsIn(data) {
		switch v.Namespace {
		case "context", "ctx":
			if !contextKeys[rootField(v.Field)] {
				bad = append(bad, v.String())
			}
		case "asset":
			if assetFields != nil && !assetFields[rootField(v.Field)] {
				bad = append(bad, v.String())
			}
		default:
			if !stepIDs[v.Namespace] {
				bad = append(bad, v.String())
			}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return &Error{Ref: bad[0], Msg: fmt.Sprintf("unresolved reference (%d total)", len(bad))}
}

// Scope carries the values visible to one resolution.
type Scope struct {
	Context     map[string]any
	Asset       map[string]any
	StepOutputs map[string]any
}

// Resolve substitutes every reference in a string.
func Resolve(s string, scope Scope) (string, error) {
	var resolveErr error
	out := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := varPattern.FindStringSubmatch(match)
		v := Var{Namespace: m[1], Field: m[2]}
		val, err := lookup(v, scope)
		if err != nil {
			if resolveErr == nil {
				resolveErr = err
			}
			return match
		}
		return FormatValue(val)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

// ResolveAll recursively substitutes references across strings, maps and
// slices, returning a deep copy. Non-string leaves pass through unchanged.
func ResolveAll(data any, scope Scope) (any, error) {
	switch x := data.(type) {
	case string:
		return Resolve(x, scope)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			rv, err := ResolveAll(v, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(x))
		for _, v := range x {
			rv, err := ResolveAll(v, scope)
			if err != nil {
				return nil, err
			}
			out = append(out, rv)
		}
		return out, nil
	default:
		return data, nil
	}
}

func lookup(v Var, scope Scope) (any, error) {
	switch v.Namespace {
	case "context", "ctx":
		val := nested(scope.Context, v.Field)
		if val == nil {
			return nil, &Error{Ref: v.String(), Msg: "context field not found"}
		}
		return val, nil
	case "asset":
		// Optional asset fields resolve to the empty string.
		val := nested(scope.Asset, v.Field)
		if val == nil {
			return "", nil
		}
		return val, nil
	default:
		out, ok := scope.StepOutputs[v.Namespace]
		if !ok {
			return nil, &Error{Ref: v.String(), Msg: "step output not found"}
		}
		if v.Field == "output" {
			if m, ok := out.(map[string]any); ok {
				if c := firstOf(m, "output", "content", "text"); c != nil {
					return c, nil
				}
			}
			return out, nil
		}
		if m, ok := out.(map[string]any); ok {
			if val := nested(m, v.Field); val != nil {
				return val, nil
			}
		}
		return nil, &Error{Ref: v.String(), Msg: "step output field not found"}
	}
}

// FormatValue renders a value for interpolation into a prompt string.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, FormatValue(item))
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+FormatValue(x[k]))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(x)
	}
}

func nested(data map[string]any, path string) any {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func rootField(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

func walkStrings(data any, fn func(string)) {
	switch x := data.(type) {
	case string:
		fn(x)
	case map[string]any:
		for _, v := range x {
			walkStrings(v, fn)
		}
	case []any:
		for _, v := range x {
			walkStrings(v, fn)
		}
	}
}

// Package expr evaluates step conditions against a variable scope.
//
// Conditions use HCL expression syntax with no side effects and no function
// calls, e.g.
//
//	asset.rarity == "legendary"
//	quality >= 0.8 && attempt < 3
package expr

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Error reports an invalid or unevaluable expression.
type Error struct {
	Expr string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("expr: %s in %q", e.Msg, e.Expr)
}

func errorf(expr, format string, args ...any) error {
	return &Error{Expr: expr, Msg: fmt.Sprintf(format, args...)}
}

// Validate parses an expression without evaluating it, reporting syntax errors
// at pipeline-compile time.
func Validate(src string) error {
	_, diags := hclsyntax.ParseExpression([]byte(src), "condition", hcl.InitialPos)
	if diags.HasErrors() {
		return errorf(src, "invalid syntax: %s", diags.Error())
	}
	return nil
}

// Evaluate evaluates an expression against the given scope and returns the
// resulting cty value. Scope values are converted with ToCty.
func Evaluate(src string, scope map[string]any) (cty.Value, error) {
	parsed, diags := hclsyntax.ParseExpression([]byte(src), "condition", hcl.InitialPos)
	if diags.HasErrors() {
		return cty.NilVal, errorf(src, "invalid syntax: %s", diags.Error())
	}

	vars := make(map[string]cty.Value, len(scope))
	for name, v := range scope {
		cv, err := ToCty(v)
		if err != nil {
			return cty.NilVal, errorf(src, "variable %q: %v", name, err)
		}
		vars[name] = cv
	}

	val, diags := parsed.Value(&hcl.EvalContext{Variables: vars})
	if diags.HasErrors() {
		return cty.NilVal, errorf(src, "evaluation failed: %s", diags.Error())
	}
	return val, nil
}

// EvaluateBool evaluates a condition expression as a boolean. An empty
// expression evaluates to the default.
func EvaluateBool(src string, scope map[string]any, def bool) (bool, error) {
	if src == "" {
		return def, nil
	}
	val, err := Evaluate(src, scope)
	if err != nil {
		return false, err
	}
	conv, cerr := convert.Convert(val, cty.Bool)
	if cerr != nil || conv.IsNull() {
		return false, errorf(src, "result is not a boolean")
	}
	return conv.True(), nil
}

// ToCty converts a plain Go value (as produced by YAML/JSON decoding) into a
// cty value for expression evaluation.
func ToCty(v any) (cty.Value, error) {
	switch x := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case bool:
		return cty.BoolVal(x), nil
	case string:
		return cty.StringVal(x), nil
	case int:
		return cty.NumberIntVal(int64(x)), nil
	case int64:
		return cty.NumberIntVal(x), nil
	case float64:
		return cty.NumberFloatVal(x), nil
	case []any:
		if len(x) == 0 {
			return cty.EmptyTupleVal, nil
		}
		vals := make([]cty.Value, 0, len(x))
		for _, item := range x {
			cv, err := ToCty(item)
			if err != nil {
				return cty.NilVal, err
			}
			vals = append(vals, cv)
		}
		return cty.TupleVal(vals), nil
	case []string:
		if len(x) == 0 {
			return cty.EmptyTupleVal, nil
		}
		vals := make([]cty.Value, 0, len(x))
		for _, s := range x {
			vals = append(vals, cty.StringVal(s))
		}
		return cty.TupleVal(vals), nil
	case map[string]any:
		if len(x) == 0 {
			return cty.EmptyObjectVal, nil
		}
		vals := make(map[string]cty.Value, len(x))
		for k, item := range x {
			cv, err := ToCty(item)
			if err != nil {
				return cty.NilVal, err
			}
			vals[k] = cv
		}
		return cty.ObjectVal(vals), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported value type %T", v)
	}
}

package template

import (
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"
)

// celConditionEvaluator evaluates `if:` step fields, which are always
// expected to resolve to a pure boolean. CEL's static typing and
// strict &&/||/! operators are a good fit here precisely because a
// condition has no null-coalescing use case the way a general `{{ }}`
// value-expansion expression does — that asymmetry is why the core
// grammar in eval.go is hand-rolled instead of CEL-backed everywhere.
type celConditionEvaluator struct{}

var wordAnd = regexp.MustCompile(`\band\b`)
var wordOr = regexp.MustCompile(`\bor\b`)
var wordNot = regexp.MustCompile(`\bnot\b`)

// translateBooleanOps rewrites the template grammar's and/or/not into
// CEL's &&/||/! so a single `if: a and not b` condition compiles
// without requiring flow authors to learn two syntaxes.
func translateBooleanOps(expr string) string {
	expr = wordNot.ReplaceAllString(expr, "!")
	expr = wordAnd.ReplaceAllString(expr, "&&")
	expr = wordOr.ReplaceAllString(expr, "||")
	return expr
}

// EvaluateCondition translates and/or/not in expr, then compiles and
// runs it against bindings, coercing the result to bool.
func (celConditionEvaluator) EvaluateCondition(expr string, bindings map[string]any) (bool, error) {
	translated := translateBooleanOps(expr)

	opts := make([]cel.EnvOption, 0, len(bindings))
	for name := range bindings {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return false, fmt.Errorf("cel: building environment: %w", err)
	}

	ast, issues := env.Compile(translated)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("cel: compiling %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("cel: building program: %w", err)
	}

	out, _, err := prg.Eval(bindings)
	if err != nil {
		return false, fmt.Errorf("cel: evaluating %q: %w", expr, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel: condition %q did not evaluate to a boolean (got %T)", expr, out.Value())
	}
	return b, nil
}

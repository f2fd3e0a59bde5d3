// Package template implements BeemFlow's Jinja-like templating: the
// {{ value }} / {% control %} grammar used in `with:`, `if:`,
// `foreach:`, and `wait.until` fields.
//
// A single hand-rolled tokenizer/parser/evaluator backs the core
// value grammar (arithmetic, comparisons, dotted/bracket access,
// and/or/not, filter pipelines) because CEL's static typing and
// strict boolean operators can't express the null-coalescing `or`
// or the type-preserving dynamic evaluation the grammar requires.
// CEL is used narrowly where that mismatch doesn't apply: boolean
// `if:` conditions, which are always expected to resolve to a pure
// bool.
package template

import (
	"errors"
	"fmt"
)

// Engine evaluates a single expression string against a data scope,
// mirroring the interface the tool registry and validator expect.
type Engine interface {
	Name() string
	Evaluate(expression string, data map[string]any) (any, error)
}

// TemplateError is returned for syntax errors, undefined references
// without a default, and type mismatches, matching the taxonomy
// error handling calls for.
type TemplateError struct {
	Expression string
	Err        error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template error in %q: %v", e.Expression, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

func newTemplateError(expr string, err error) error {
	if err == nil {
		return nil
	}
	return &TemplateError{Expression: expr, Err: err}
}

// Evaluate renders raw against scope. If raw is exactly one
// "{{ expr }}" tag with no surrounding text, the expression's native
// Go value is returned unstringified (so `{{ vars.count }}` yields an
// int/float64, not "3"). Otherwise every {{ }} occurrence embedded in
// literal text is evaluated and stringified, and any {% if %}/{% for %}
// control blocks are rendered, producing a single string.
func Evaluate(raw string, scope *Scope) (any, error) {
	toks, err := scanTemplate(raw)
	if err != nil {
		return nil, newTemplateError(raw, err)
	}

	if src, ok := isSoleExpression(toks); ok {
		v, err := evalPipelineExpr(src, scope.Bindings())
		if err != nil {
			return nil, newTemplateError(raw, err)
		}
		return v, nil
	}

	nodes, err := parseTemplate(toks)
	if err != nil {
		return nil, newTemplateError(raw, err)
	}
	s, err := renderNodes(nodes, scope)
	if err != nil {
		return nil, newTemplateError(raw, err)
	}
	return s, nil
}

// EvaluateString is a convenience wrapper for callers that always
// want a string result (e.g. URL templates), coercing a native
// non-string result via the same stringification used for embedded
// expressions.
func EvaluateString(raw string, scope *Scope) (string, error) {
	v, err := Evaluate(raw, scope)
	if err != nil {
		return "", err
	}
	return toString(v), nil
}

// EvaluateCondition evaluates an `if:` field, coercing to bool via
// CEL. and/or/not are translated to &&/||/! before compiling.
func EvaluateCondition(expr string, scope *Scope) (bool, error) {
	b, err := celEval.EvaluateCondition(expr, scope.Bindings())
	if err != nil {
		return false, newTemplateError(expr, err)
	}
	return b, nil
}

// EvaluateIterable evaluates a `foreach:` field, which must resolve
// to a list.
func EvaluateIterable(expr string, scope *Scope) ([]any, error) {
	v, err := Evaluate(expr, scope)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, newTemplateError(expr, errors.New("foreach expression did not evaluate to a list"))
	}
	return items, nil
}

// celEngine adapts the package-level Evaluate/EvaluateCondition
// functions to the Engine interface, for callers (e.g. the tool
// registry) that hold an Engine value rather than importing this
// package's free functions directly.
type celEngine struct{}

// NewEngine returns the default Engine implementation.
func NewEngine() Engine { return celEngine{} }

func (celEngine) Name() string { return "beemflow-template" }

func (celEngine) Evaluate(expression string, data map[string]any) (any, error) {
	scope := &Scope{
		Vars:    asMap(data["vars"]),
		Env:     asMap(data["env"]),
		Secrets: asMap(data["secrets"]),
		Event:   asMap(data["event"]),
		Outputs: asMap(data["outputs"]),
		Locals:  map[string]any{},
	}
	for k, v := range data {
		switch k {
		case "vars", "env", "secrets", "event", "outputs", "runs":
		default:
			scope.Locals[k] = v
		}
	}
	return Evaluate(expression, scope)
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

package template

import (
	"fmt"
	"reflect"
)

// evalNode tree-walks the AST against the given bindings, returning a
// Go value that preserves its original type (bool/float64/string/
// []any/map[string]any/nil) rather than stringifying it. Callers that
// need a string render the returned value themselves.
func evalNode(n node, bindings map[string]any) (any, error) {
	switch t := n.(type) {
	case literalNode:
		return t.value, nil

	case identNode:
		v, ok := bindings[t.name]
		if !ok {
			return nil, fmt.Errorf("undefined reference %q", t.name)
		}
		return v, nil

	case fieldAccessNode:
		target, err := evalNode(t.target, bindings)
		if err != nil {
			return nil, err
		}
		return fieldOf(target, t.field)

	case indexAccessNode:
		target, err := evalNode(t.target, bindings)
		if err != nil {
			return nil, err
		}
		idx, err := evalNode(t.index, bindings)
		if err != nil {
			return nil, err
		}
		return indexOf(target, idx)

	case unaryNode:
		operand, err := evalNode(t.operand, bindings)
		if err != nil {
			return nil, err
		}
		switch t.op {
		case "not":
			return !truthy(operand), nil
		case "-":
			f, err := toFloat(operand)
			if err != nil {
				return nil, err
			}
			return -f, nil
		}
		return nil, fmt.Errorf("unknown unary operator %q", t.op)

	case binaryNode:
		return evalBinary(t, bindings)
	}
	return nil, fmt.Errorf("unknown node type %T", n)
}

func evalBinary(b binaryNode, bindings map[string]any) (any, error) {
	// or/and short-circuit and must not eagerly evaluate the right side.
	switch b.op {
	case "or":
		left, err := evalNode(b.left, bindings)
		if err != nil {
			// An undefined left operand falls through to the right side
			// rather than erroring, so `{{ vars.nickname or "friend" }}`
			// works when nickname was never set.
			return evalNode(b.right, bindings)
		}
		if left != nil {
			return left, nil
		}
		return evalNode(b.right, bindings)
	case "and":
		left, err := evalNode(b.left, bindings)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return left, nil
		}
		return evalNode(b.right, bindings)
	}

	left, err := evalNode(b.left, bindings)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(b.right, bindings)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compareNumericOrString(b.op, left, right)
	case "+":
		return add(left, right)
	case "-", "*", "/", "%":
		lf, err := toFloat(left)
		if err != nil {
			return nil, err
		}
		rf, err := toFloat(right)
		if err != nil {
			return nil, err
		}
		switch b.op {
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return lf / rf, nil
		case "%":
			if rf == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			return float64(int64(lf) % int64(rf)), nil
		}
	}
	return nil, fmt.Errorf("unknown binary operator %q", b.op)
}

func fieldOf(target any, field string) (any, error) {
	switch m := target.(type) {
	case map[string]any:
		v, ok := m[field]
		if !ok {
			return nil, fmt.Errorf("undefined reference %q", field)
		}
		return v, nil
	case nil:
		return nil, fmt.Errorf("cannot access field %q of null", field)
	default:
		rv := reflect.ValueOf(target)
		if rv.Kind() == reflect.Map {
			mv := rv.MapIndex(reflect.ValueOf(field))
			if !mv.IsValid() {
				return nil, fmt.Errorf("undefined reference %q", field)
			}
			return mv.Interface(), nil
		}
		return nil, fmt.Errorf("cannot access field %q of %T", field, target)
	}
}

func indexOf(target, idx any) (any, error) {
	switch t := target.(type) {
	case []any:
		i, err := toFloat(idx)
		if err != nil {
			return nil, err
		}
		n := int(i)
		if n < 0 || n >= len(t) {
			return nil, fmt.Errorf("index %d out of range", n)
		}
		return t[n], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("map index must be a string")
		}
		v, ok := t[key]
		if !ok {
			return nil, fmt.Errorf("undefined reference %q", key)
		}
		return v, nil
	case string:
		i, err := toFloat(idx)
		if err != nil {
			return nil, err
		}
		runes := []rune(t)
		n := int(i)
		if n < 0 || n >= len(runes) {
			return nil, fmt.Errorf("index %d out of range", n)
		}
		return string(runes[n]), nil
	default:
		return nil, fmt.Errorf("cannot index into %T", target)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to a number", v)
	}
}

func add(left, right any) (any, error) {
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return ls + rs, nil
	}
	lf, err := toFloat(left)
	if err != nil {
		return nil, err
	}
	rf, err := toFloat(right)
	if err != nil {
		return nil, err
	}
	return lf + rf, nil
}

func looseEqual(left, right any) bool {
	lf, lerr := toFloat(left)
	rf, rerr := toFloat(right)
	if lerr == nil && rerr == nil {
		return lf == rf
	}
	return reflect.DeepEqual(left, right)
}

func compareNumericOrString(op string, left, right any) (bool, error) {
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}
	lf, err := toFloat(left)
	if err != nil {
		return false, err
	}
	rf, err := toFloat(right)
	if err != nil {
		return false, err
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}

package template

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

// splitPipeline splits "expr | filter1 | filter2(args)" into its
// top-level segments, ignoring '|' that appears inside a quoted
// string or nested parens/brackets.
func splitPipeline(src string) []string {
	var segments []string
	var depth int
	var inQuote rune
	start := 0
	runes := []rune(src)
	for i, c := range runes {
		switch {
		case inQuote != 0:
			if c == inQuote && (i == 0 || runes[i-1] != '\\') {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == '|' && depth == 0:
			segments = append(segments, string(runes[start:i]))
			start = i + 1
		}
	}
	segments = append(segments, string(runes[start:]))
	for i := range segments {
		segments[i] = strings.TrimSpace(segments[i])
	}
	return segments
}

// filterCall is a parsed pipeline stage: a filter name plus its
// literal argument expressions (e.g. `truncate(20)` -> name=truncate,
// args=["20"]).
type filterCall struct {
	name string
	args []node
}

func parseFilterCall(src string) (filterCall, error) {
	name := src
	argsText := ""
	if i := strings.IndexByte(src, '('); i >= 0 {
		if !strings.HasSuffix(src, ")") {
			return filterCall{}, fmt.Errorf("malformed filter call %q", src)
		}
		name = strings.TrimSpace(src[:i])
		argsText = src[i+1 : len(src)-1]
	}
	fc := filterCall{name: name}
	if strings.TrimSpace(argsText) == "" {
		return fc, nil
	}
	for _, part := range splitArgs(argsText) {
		n, err := parseExpr(strings.TrimSpace(part))
		if err != nil {
			return filterCall{}, fmt.Errorf("filter %q argument: %w", name, err)
		}
		fc.args = append(fc.args, n)
	}
	return fc, nil
}

func splitArgs(src string) []string {
	var parts []string
	var depth int
	var inQuote rune
	start := 0
	runes := []rune(src)
	for i, c := range runes {
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, string(runes[start:i]))
			start = i + 1
		}
	}
	parts = append(parts, string(runes[start:]))
	return parts
}

// applyFilter runs one named filter against value. The eight built-in
// filters are implemented directly; any other name is treated as a
// raw jq program run against value as `.`, so flows can reach for
// arbitrary jq when the built-ins aren't enough.
func applyFilter(fc filterCall, value any, bindings map[string]any) (any, error) {
	args := make([]any, len(fc.args))
	for i, a := range fc.args {
		v, err := evalNode(a, bindings)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch fc.name {
	case "upper":
		return strings.ToUpper(toString(value)), nil
	case "lower":
		return strings.ToLower(toString(value)), nil
	case "title":
		return strings.Title(toString(value)), nil //nolint:staticcheck
	case "length":
		return float64(lengthOf(value)), nil
	case "join":
		sep := ","
		if len(args) > 0 {
			sep = toString(args[0])
		}
		return joinValues(value, sep), nil
	case "truncate":
		if len(args) < 1 {
			return nil, fmt.Errorf("truncate filter requires a length argument")
		}
		n, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		s := toString(value)
		runes := []rune(s)
		if int(n) >= len(runes) {
			return s, nil
		}
		return string(runes[:int(n)]), nil
	case "escape":
		return escapeHTML(toString(value)), nil
	case "default":
		if value == nil {
			if len(args) > 0 {
				return args[0], nil
			}
			return nil, nil
		}
		return value, nil
	default:
		return runJQFilter(fc.name, value)
	}
}

func runJQFilter(program string, value any) (any, error) {
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("unrecognized filter %q: %w", program, err)
	}
	iter := query.Run(normalizeForJQ(value))
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, err
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalizeForJQ converts float64 to int where it's a whole number,
// since gojq is fussier about numeric kinds than the core evaluator.
func normalizeForJQ(v any) any {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int(t)
		}
		return t
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeForJQ(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeForJQ(e)
		}
		return out
	default:
		return v
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func lengthOf(v any) int {
	switch t := v.(type) {
	case string:
		return len([]rune(t))
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 0
	}
}

func joinValues(v any, sep string) string {
	items, ok := v.([]any)
	if !ok {
		return toString(v)
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = toString(it)
	}
	return strings.Join(parts, sep)
}

func escapeHTML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
	return r.Replace(s)
}

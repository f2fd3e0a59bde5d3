package template

import "fmt"

// evalPipelineExpr evaluates "base | filter1 | filter2(args)" against
// bindings: the base expression through the core grammar evaluator,
// then each filter stage in order through applyFilter.
func evalPipelineExpr(src string, bindings map[string]any) (any, error) {
	segments := splitPipeline(src)

	base, err := parseExpr(segments[0])
	if err != nil {
		return nil, fmt.Errorf("template: parsing %q: %w", segments[0], err)
	}
	value, err := evalNode(base, bindings)
	if err != nil {
		return nil, fmt.Errorf("template: evaluating %q: %w", segments[0], err)
	}

	for _, seg := range segments[1:] {
		fc, err := parseFilterCall(seg)
		if err != nil {
			return nil, err
		}
		value, err = applyFilter(fc, value, bindings)
		if err != nil {
			return nil, fmt.Errorf("template: filter %q: %w", fc.name, err)
		}
	}
	return value, nil
}

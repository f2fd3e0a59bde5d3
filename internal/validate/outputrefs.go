package validate

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// tagPattern finds {{ ... }} occurrences inside a raw template string,
// mirroring the outer scanner in internal/template but only needing
// the expression body here, not full block-structure parsing.
var tagPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// extractOutputRefs returns the set of step ids referenced via
// `outputs.<id>` (or `outputs["<id>"]`) inside every {{ }} tag found
// anywhere in raw. Design Notes §9 requires these output-reference
// edges to be added to the dependency graph and re-checked for
// cycles alongside explicit depends_on edges.
func extractOutputRefs(raw string) []string {
	var ids []string
	for _, m := range tagPattern.FindAllStringSubmatch(raw, -1) {
		expr := strings.TrimSpace(m[1])
		// Only the base expression (before any filter pipe) is valid
		// expr-lang syntax; strip filter stages first.
		if i := strings.IndexByte(expr, '|'); i >= 0 {
			expr = strings.TrimSpace(expr[:i])
		}
		tree, err := parser.Parse(expr)
		if err != nil {
			continue // malformed expressions are reported separately by the template evaluator at run time
		}
		ids = append(ids, findOutputIDs(tree.Node)...)
	}
	return ids
}

// findOutputIDs walks an expr-lang AST looking for MemberNode chains
// rooted at the identifier "outputs" with a literal string property,
// e.g. outputs.step_a or outputs["step_a"].
func findOutputIDs(root ast.Node) []string {
	var ids []string
	ast.Walk(&root, visitorFunc(func(node ast.Node) {
		member, ok := node.(*ast.MemberNode)
		if !ok {
			return
		}
		base, ok := member.Node.(*ast.IdentifierNode)
		if !ok || base.Value != "outputs" {
			return
		}
		switch prop := member.Property.(type) {
		case *ast.StringNode:
			ids = append(ids, prop.Value)
		case *ast.IdentifierNode:
			ids = append(ids, prop.Value)
		}
	}))
	return ids
}

type visitorFunc func(ast.Node)

func (f visitorFunc) Visit(node *ast.Node) {
	if node == nil || *node == nil {
		return
	}
	f(*node)
}

// extractOutputRefsFromValue walks an arbitrary with:/vars value tree
// (string/[]any/map[string]any, the shape produced by JSON/YAML
// decoding into `any`) collecting output references from every string
// leaf.
func extractOutputRefsFromValue(v any) []string {
	var ids []string
	switch t := v.(type) {
	case string:
		ids = append(ids, extractOutputRefs(t)...)
	case []any:
		for _, e := range t {
			ids = append(ids, extractOutputRefsFromValue(e)...)
		}
	case map[string]any:
		for _, e := range t {
			ids = append(ids, extractOutputRefsFromValue(e)...)
		}
	}
	return ids
}

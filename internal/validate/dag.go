package validate

import (
	"fmt"
	"sort"
)

// scopeGraph is the dependency graph for one scope (top-level, a
// `do`, or a `parallel` `steps`): step ids, their dependency edges
// (explicit depends_on plus inferred output-reference edges), and the
// topological layering used for concurrent dispatch.
type scopeGraph struct {
	ids    []string
	edges  map[string][]string // id -> ids it depends on
	layers [][]string
}

// Layers returns the topological layers computed for this scope: each
// inner slice holds step ids whose dependencies are all satisfied by
// earlier layers, making them the orchestrator's concurrency
// candidates for one pass.
func (g *scopeGraph) Layers() [][]string {
	return g.layers
}

// buildScopeGraph runs Kahn's algorithm over ids/edges to detect
// cycles and assign topological layers: layer 0 has no dependencies,
// layer N depends only on layers < N. Steps within a layer are
// mutually independent and are the orchestrator's concurrency
// candidates for that pass.
func buildScopeGraph(ids []string, edges map[string][]string) (*scopeGraph, error) {
	inDegree := make(map[string]int, len(ids))
	reverse := make(map[string][]string, len(ids))
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for _, id := range ids {
		for _, dep := range edges[id] {
			if !idSet[dep] {
				continue // dangling refs are reported by the sibling-reference rule, not here
			}
			inDegree[id]++
			reverse[dep] = append(reverse[dep], id)
		}
	}

	var layers [][]string
	remaining := make(map[string]int, len(ids))
	for _, id := range ids {
		remaining[id] = inDegree[id]
	}
	visited := 0
	for {
		var layer []string
		for _, id := range ids {
			if _, done := remaining[id]; done && remaining[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			break
		}
		sort.Strings(layer)
		layers = append(layers, layer)
		for _, id := range layer {
			delete(remaining, id)
			visited++
			for _, dependent := range reverse[id] {
				remaining[dependent]--
			}
		}
	}

	if visited != len(ids) {
		cyclePath := findCyclePath(ids, edges, remaining)
		return nil, fmt.Errorf("dependency cycle: %s", formatCycle(cyclePath))
	}

	return &scopeGraph{ids: ids, edges: edges, layers: layers}, nil
}

// findCyclePath walks the residual graph (the ids never removed by
// Kahn's algorithm, meaning they're on or downstream of a cycle) to
// produce a concrete a -> b -> ... -> a path for error reporting.
func findCyclePath(ids []string, edges map[string][]string, residual map[string]int) []string {
	inCycle := make(map[string]bool, len(residual))
	for id := range residual {
		inCycle[id] = true
	}

	// Start from the lexicographically smallest residual node for a
	// deterministic report, then follow dependency edges until we
	// revisit a node.
	var start string
	for id := range inCycle {
		if start == "" || id < start {
			start = id
		}
	}

	path := []string{start}
	visitedAt := map[string]int{start: 0}
	cur := start
	for {
		var next string
		for _, dep := range edges[cur] {
			if inCycle[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return path // shouldn't happen if the graph genuinely has a cycle
		}
		if idx, seen := visitedAt[next]; seen {
			return append(path[idx:], next)
		}
		visitedAt[next] = len(path)
		path = append(path, next)
		cur = next
	}
}

func formatCycle(path []string) string {
	s := "["
	for i, id := range path {
		if i > 0 {
			s += " → "
		}
		s += id
	}
	return s + "]"
}

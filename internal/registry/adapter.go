// Package registry implements the Tool Registry: resolving a tool
// name to an Adapter across the four-tier precedence order in
// spec.md §4.3 (core adapters, registry-manifest entries, MCP tools,
// the generic HTTP adapter), thread-safe for concurrent reads.
package registry

import "context"

// Adapter is the handler that knows how to execute a particular
// named tool: validate its parameters against a declared JSON
// Schema, then invoke it.
type Adapter interface {
	Name() string
	Validate(params map[string]any) error
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

package registry

import (
	"strings"
	"sync"

	"github.com/beemflow/flow/pkg/schema"
)

// ToolRegistry resolves a tool name to an Adapter, honoring the
// four-tier precedence order: core adapters, registry-manifest
// entries, MCP tools (mcp://<server>/<tool>), then the generic HTTP
// adapter bound to the literal name "http". Grounded on the
// teacher's internal/actions.Registry: an RWMutex-guarded map with
// double-checked-lock-free reads, since registration happens at
// startup and resolution happens on every step dispatch.
type ToolRegistry struct {
	mu       sync.RWMutex
	core     map[string]Adapter
	manifest map[string]Adapter
	http     Adapter
	mcp      MCPDialer
}

// MCPDialer resolves a (server, tool) pair to an adapter bound to
// that tool on that server. Implementations live outside this
// package; the registry only needs the adapter-contract surface.
type MCPDialer interface {
	Dial(server, tool string) (Adapter, error)
}

// NewToolRegistry builds a registry preloaded with the three core
// adapters and the generic HTTP adapter. MCP resolution is optional;
// pass nil if the engine has no MCP servers configured.
func NewToolRegistry(httpAdapter Adapter, mcp MCPDialer) *ToolRegistry {
	r := &ToolRegistry{
		core:     make(map[string]Adapter),
		manifest: make(map[string]Adapter),
		http:     httpAdapter,
		mcp:      mcp,
	}
	for _, a := range CoreAdapters() {
		r.core[a.Name()] = a
	}
	return r
}

// RegisterManifest adds a registry-manifest adapter (tier 2). Later
// registrations for the same name overwrite earlier ones, matching
// "built-in default and user-level" manifest layering where a
// user-level file takes precedence.
func (r *ToolRegistry) RegisterManifest(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifest[a.Name()] = a
}

// Resolve returns the first adapter matching name across the four
// tiers, or a ValidationError if none matches.
func (r *ToolRegistry) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.core[name]; ok {
		return a, nil
	}
	if a, ok := r.manifest[name]; ok {
		return a, nil
	}
	if strings.HasPrefix(name, "mcp://") {
		return r.resolveMCP(name)
	}
	if name == "http" && r.http != nil {
		return r.http, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown tool %q", name)
}

// resolveMCP parses "mcp://<server>/<tool>" and dials the named
// server for a tool-invocation adapter.
func (r *ToolRegistry) resolveMCP(name string) (Adapter, error) {
	if r.mcp == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no MCP servers configured, cannot resolve %q", name)
	}
	rest := strings.TrimPrefix(name, "mcp://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed MCP tool reference %q, expected mcp://<server>/<tool>", name)
	}
	server, tool := parts[0], parts[1]
	client, err := r.mcp.Dial(server, tool)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "dialing MCP server %q: %v", server, err)
	}
	return namedAdapter{name: name, Adapter: client}, nil
}

// namedAdapter overrides Name() on an MCP client adapter so the
// registry reports the full mcp://server/tool reference rather than
// whatever the dialed client calls itself.
type namedAdapter struct {
	Adapter
	name string
}

func (n namedAdapter) Name() string { return n.name }

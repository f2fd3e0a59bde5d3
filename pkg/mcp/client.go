// Package mcp implements the client side of the Model Context
// Protocol: dialing a named stdio server declared under a flow's
// mcpServers block and exposing its tools as registry.Adapter values.
// Only the adapter-contract surface is implemented here; the server
// side (session management, notifications) is out of scope.
package mcp

import (
	"context"
	"encoding/json"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/beemflow/flow/internal/registry"
	"github.com/beemflow/flow/pkg/schema"
)

// ServerSpec declares how to launch a named MCP server, mirroring
// schema.MCPServerSpec so this package doesn't need to import the
// orchestrator's config-resolution layer.
type ServerSpec struct {
	Command     string
	Args        []string
	Environment map[string]string
}

// Dialer implements registry.MCPDialer by launching stdio MCP servers
// on first use and caching the live connection for reuse across
// tool invocations.
type Dialer struct {
	mu      sync.Mutex
	specs   map[string]ServerSpec
	clients map[string]*mcpclient.Client
}

// NewDialer builds a Dialer over the mcpServers declared in a flow.
func NewDialer(specs map[string]schema.MCPServerSpec) *Dialer {
	d := &Dialer{
		specs:   make(map[string]ServerSpec, len(specs)),
		clients: make(map[string]*mcpclient.Client),
	}
	for name, s := range specs {
		d.specs[name] = ServerSpec{Command: s.Command, Args: s.Args, Environment: s.Environment}
	}
	return d
}

// Dial returns an adapter bound to one tool on the named MCP server,
// starting and initializing the client connection on first use and
// reusing it for every subsequent tool on that server.
func (d *Dialer) Dial(server, tool string) (registry.Adapter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	spec, ok := d.specs[server]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no mcpServers entry named %q", server)
	}

	client, ok := d.clients[server]
	if !ok {
		env := make([]string, 0, len(spec.Environment))
		for k, v := range spec.Environment {
			env = append(env, k+"="+v)
		}
		c, err := mcpclient.NewStdioMCPClient(spec.Command, env, spec.Args...)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeAdapter, "starting MCP server %q: %v", server, err)
		}
		initReq := mcp.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		initReq.Params.ClientInfo = mcp.Implementation{Name: "beemflow", Version: "1.0.0"}
		if _, err := c.Initialize(context.Background(), initReq); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeAdapter, "initializing MCP server %q: %v", server, err)
		}
		d.clients[server] = c
		client = c
	}

	return &serverAdapter{server: server, tool: tool, client: client}, nil
}

// Close shuts down every live MCP server connection.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, c := range d.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// serverAdapter invokes one named tool on an already-initialized MCP
// server. registry.ToolRegistry wraps it in a namedAdapter so the
// registered name reflects the full mcp://server/tool reference.
type serverAdapter struct {
	server string
	tool   string
	client *mcpclient.Client
}

func (a *serverAdapter) Name() string { return a.tool }

// Validate defers to the server: MCP tool schemas are discovered at
// invoke time via the tool's declared inputSchema, not pre-validated
// client-side, since a server's tool list can change between calls.
func (a *serverAdapter) Validate(map[string]any) error { return nil }

func (a *serverAdapter) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = a.tool
	req.Params.Arguments = params

	result, err := a.client.CallTool(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "calling mcp tool %q on %q: %v", a.tool, a.server, err)
	}
	if result.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "mcp tool %q on %q returned an error", a.tool, a.server)
	}

	return decodeResult(result)
}

// decodeResult flattens an MCP CallToolResult's content blocks into a
// single outputs map: text content is parsed as JSON when possible,
// otherwise returned as a "text" string field.
func decodeResult(result *mcp.CallToolResult) (map[string]any, error) {
	for _, c := range result.Content {
		tc, ok := mcp.AsTextContent(c)
		if !ok {
			continue
		}
		var decoded map[string]any
		if json.Unmarshal([]byte(tc.Text), &decoded) == nil {
			return decoded, nil
		}
		return map[string]any{"text": tc.Text}, nil
	}
	return map[string]any{}, nil
}

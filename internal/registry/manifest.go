package registry

import (
	"context"
	"encoding/json"
	"os"
	"regexp"

	"github.com/beemflow/flow/internal/template"
	"github.com/beemflow/flow/pkg/schema"
)

// ManifestEntry is one registry-manifest tool declaration (tier 2):
// name, a JSON-Schema parameter contract, and the HTTP call template
// to invoke. Loaded from one or more JSON files (a built-in default
// plus user-level overrides).
type ManifestEntry struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Manifest   HTTPManifest    `json:"manifest"`
}

// HTTPManifest is "typically an HTTP endpoint template with method,
// headers, body" per spec.md §4.3.
type HTTPManifest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// LoadManifestFile parses a JSON manifest file's entries into
// adapters, ready to hand to ToolRegistry.RegisterManifest.
func LoadManifestFile(data []byte, httpClient HTTPDoer) ([]Adapter, error) {
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parsing tool manifest: %v", err)
	}
	adapters := make([]Adapter, 0, len(entries))
	for _, e := range entries {
		adapters = append(adapters, &manifestAdapter{entry: e, client: httpClient, schemas: newSchemaValidator()})
	}
	return adapters, nil
}

// manifestAdapter invokes a registry-manifest tool by rendering its
// HTTP template against the step's `with:` parameters (a subset of
// the template context — no `outputs`, per spec.md §4.3) and
// performing the request.
type manifestAdapter struct {
	entry   ManifestEntry
	client  HTTPDoer
	schemas *schemaValidator
}

func (m *manifestAdapter) Name() string { return m.entry.Name }

func (m *manifestAdapter) Validate(params map[string]any) error {
	return m.schemas.validate(m.entry.Parameters, params)
}

func (m *manifestAdapter) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	scope := &template.Scope{Vars: map[string]any{}, Env: envAsMap(), Locals: map[string]any{"with": params}}

	url, err := template.EvaluateString(expandEnvRefs(m.entry.Manifest.URL), scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "expanding manifest url: %v", err)
	}

	headers := make(map[string]string, len(m.entry.Manifest.Headers))
	for k, v := range m.entry.Manifest.Headers {
		rendered, err := template.EvaluateString(expandEnvRefs(v), scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "expanding manifest header %q: %v", k, err)
		}
		headers[k] = rendered
	}

	var body any = m.entry.Manifest.Body
	if bodyStr, ok := body.(string); ok {
		rendered, err := template.Evaluate(expandEnvRefs(bodyStr), scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "expanding manifest body: %v", err)
		}
		body = rendered
	}

	method := m.entry.Manifest.Method
	if method == "" {
		method = "GET"
	}

	return m.client.Do(ctx, HTTPRequest{Method: method, URL: url, Headers: headers, Body: body})
}

// envRefPattern matches "$env:NAME" substitutions, resolved against
// the process environment at invocation time (spec.md §4.3).
var envRefPattern = regexp.MustCompile(`\$env:([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvRefs(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envRefPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func envAsMap() map[string]any {
	m := map[string]any{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

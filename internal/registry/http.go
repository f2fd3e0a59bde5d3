package registry

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beemflow/flow/pkg/schema"
)

// HTTPRequest is the request shape both the generic HTTP adapter and
// registry-manifest adapters build before dispatch.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    any
}

// HTTPDoer performs an HTTPRequest and returns a decoded response.
// Split out from the adapter itself so registry-manifest adapters and
// the generic "http" adapter share one implementation.
type HTTPDoer interface {
	Do(ctx context.Context, req HTTPRequest) (map[string]any, error)
}

// httpParamsSchema is the JSON Schema for the generic "http" adapter's
// parameters, giving full request control per spec.md §4.3 tier 4.
const httpParamsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string"},
    "method": {"type": "string"},
    "headers": {"type": "object"},
    "query": {"type": "object"},
    "body": {}
  }
}`

// Client is the shared net/http-backed HTTPDoer, grounded on the
// teacher's internal/actions.HTTPRequestAction: a fresh transport per
// client (never mutating http.DefaultTransport), a bounded response
// body read, and a configurable default timeout.
type Client struct {
	DefaultTimeout  time.Duration
	MaxResponseBody int64
}

// NewClient returns a Client with sane defaults matching the
// teacher's HTTPConfig defaults.
func NewClient() *Client {
	return &Client{DefaultTimeout: 30 * time.Second, MaxResponseBody: 10 * 1024 * 1024}
}

func (c *Client) Do(ctx context.Context, req HTTPRequest) (map[string]any, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}

	rawURL := req.URL
	if len(req.Query) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q: %v", rawURL, err)
		}
		q := u.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	var bodyReader io.Reader
	var contentType string
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeAdapter, "encoding request body: %v", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}

	timeout := c.DefaultTimeout
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "building request: %v", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{}
	client := &http.Client{Transport: transport}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "%s %s: %v", method, rawURL, err)
	}
	defer resp.Body.Close()

	limit := c.MaxResponseBody
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "reading response body: %v", err)
	}

	out := map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
	}
	var decoded any
	if json.Unmarshal(body, &decoded) == nil {
		out["body"] = decoded
	} else {
		out["body"] = string(body)
	}

	if resp.StatusCode >= 400 {
		return out, schema.NewErrorf(schema.ErrCodeAdapter, "%s %s: HTTP %d", method, rawURL, resp.StatusCode)
	}
	return out, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// httpAdapter is the generic adapter bound to the literal name
// "http" (tier 4): full request control (url, method, headers, body,
// query).
type httpAdapter struct {
	client  HTTPDoer
	schemas *schemaValidator
}

// NewHTTPAdapter returns the tier-4 generic HTTP adapter.
func NewHTTPAdapter(client HTTPDoer) Adapter {
	return &httpAdapter{client: client, schemas: newSchemaValidator()}
}

func (a *httpAdapter) Name() string { return "http" }

func (a *httpAdapter) Validate(params map[string]any) error {
	return a.schemas.validate(json.RawMessage(httpParamsSchema), params)
}

func (a *httpAdapter) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	req := HTTPRequest{
		Method:  stringField(params, "method"),
		URL:     stringField(params, "url"),
		Headers: stringMapField(params, "headers"),
		Query:   stringMapField(params, "query"),
		Body:    params["body"],
	}
	return a.client.Do(ctx, req)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringMapField(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/beemflow/flow/pkg/schema"
)

// schemaValidator compiles and caches JSON Schema documents (Draft
// 2020-12) for adapter parameter validation. Grounded on the
// teacher's internal/validation.JSONSchemaValidator: a mutex-guarded
// compile cache keyed by the raw schema bytes, with double-checked
// locking so concurrent first-use compiles don't race.
type schemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

func (v *schemaValidator) validate(schemaBytes json.RawMessage, params map[string]any) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "compiling parameter schema: %v", err)
	}

	value, err := toJSONValue(params)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encoding parameters for validation: %v", err)
	}

	if err := compiled.Validate(value); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *schemaValidator) getOrCompile(schemaBytes json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("beemflow://tool-params/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips params through JSON so numeric values
// arrive as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "parameter validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

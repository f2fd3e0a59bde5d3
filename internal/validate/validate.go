// Package validate implements the Flow Parser & Validator: it turns a
// YAML or JSON flow document into the data model, enforces the
// structural rules in order, and produces an ExecutableFlow with a
// precomputed dependency DAG and topological layering per scope.
package validate

import (
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/beemflow/flow/pkg/schema"
)

// ExecutableScope is one lexical scope (top-level steps, a foreach's
// `do`, or a parallel block's `steps`) plus its computed dependency
// graph. Children holds the nested scope for any step in this scope
// that is itself a parallel or foreach shape, keyed by that step's id.
type ExecutableScope struct {
	Steps    []schema.Step
	Graph    *scopeGraph
	Children map[string]*ExecutableScope
}

// ExecutableFlow is the parser's output: the original Flow plus a
// scheduler-ready dependency graph for every scope.
type ExecutableFlow struct {
	Flow  *schema.Flow
	Root  *ExecutableScope
	Catch *ExecutableScope // nil if the flow declares no catch block
}

// ParseYAML parses and validates a YAML flow document.
func ParseYAML(data []byte) (*ExecutableFlow, error) {
	var flow schema.Flow
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parsing flow document: %v", err)
	}
	return Validate(&flow)
}

// ParseJSON parses and validates a JSON flow document.
func ParseJSON(data []byte) (*ExecutableFlow, error) {
	var flow schema.Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parsing flow document: %v", err)
	}
	return Validate(&flow)
}

// Validate enforces spec's five ordered structural rules against an
// already-decoded Flow and, if valid, builds the ExecutableFlow.
func Validate(flow *schema.Flow) (*ExecutableFlow, error) {
	result := &schema.ValidationResult{}

	// Rule 1: name, on, steps present; steps non-empty.
	if flow.Name == "" {
		result.AddError("name", "missing_name", "flow name is required")
	}
	if len(flow.On.Names) == 0 {
		result.AddError("on", "missing_trigger", "flow trigger (on) is required")
	}
	if len(flow.Steps) == 0 {
		result.AddError("steps", "empty_steps", "flow must declare at least one step")
	}

	// Rule 5: schedule.cron requires a valid five-field cron expression.
	if flow.On.Has(schema.TriggerCron) {
		if flow.Cron == "" {
			result.AddError("cron", "missing_cron", "cron trigger requires a cron expression")
		} else if _, err := cron.ParseStandard(flow.Cron); err != nil {
			result.AddError("cron", "invalid_cron", fmt.Sprintf("invalid cron expression %q: %v", flow.Cron, err))
		}
	}

	if !result.Valid() {
		return nil, result.ToError()
	}

	root, err := validateScope("steps", flow.Steps, result)
	if err != nil {
		return nil, err
	}

	var catchScope *ExecutableScope
	if len(flow.Catch) > 0 {
		catchScope, err = validateScope("catch", flow.Catch, result)
		if err != nil {
			return nil, err
		}
	}

	if !result.Valid() {
		return nil, result.ToError()
	}

	return &ExecutableFlow{Flow: flow, Root: root, Catch: catchScope}, nil
}

// validateScope enforces rules 2-4 for one scope and recurses into
// any nested parallel/foreach child scopes.
func validateScope(path string, steps []schema.Step, result *schema.ValidationResult) (*ExecutableScope, error) {
	ids := make([]string, 0, len(steps))
	seen := make(map[string]bool, len(steps))
	children := make(map[string]*ExecutableScope)

	for i := range steps {
		s := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)

		// Rule 3: id present, matches the identifier pattern, unique
		// within this scope.
		if s.ID == "" {
			result.AddError(stepPath, "missing_id", "step id is required")
		} else if !schema.IdentifierPattern.MatchString(s.ID) {
			result.AddError(stepPath, "invalid_id", fmt.Sprintf("step id %q does not match the identifier pattern", s.ID))
		} else if seen[s.ID] {
			result.AddError(stepPath, "duplicate_id", fmt.Sprintf("step id %q is duplicated in this scope", s.ID))
		} else {
			seen[s.ID] = true
			ids = append(ids, s.ID)
		}

		// Rule 2: exactly one shape, with shape-specific sub-requirements.
		switch s.Shape() {
		case schema.ShapeInvalid:
			result.AddError(stepPath, "invalid_shape", "step must have exactly one shape (tool/parallel/foreach/await_event/wait)")
		case schema.ShapeParallel:
			if len(s.Steps) == 0 {
				result.AddError(stepPath, "empty_parallel", "parallel step requires a non-empty steps list")
			} else {
				child, err := validateScope(stepPath+".steps", s.Steps, result)
				if err != nil {
					return nil, err
				}
				if s.ID != "" {
					children[s.ID] = child
				}
			}
		case schema.ShapeForeach:
			if s.As == "" {
				result.AddError(stepPath, "missing_as", "foreach step requires 'as'")
			}
			if len(s.Do) == 0 {
				result.AddError(stepPath, "empty_do", "foreach step requires a non-empty do list")
			} else {
				child, err := validateScope(stepPath+".do", s.Do, result)
				if err != nil {
					return nil, err
				}
				if s.ID != "" {
					children[s.ID] = child
				}
			}
		}
	}

	if !result.Valid() {
		// Rule 4 (sibling references + cycle detection) needs a clean
		// id set; bail out before it if earlier rules already failed.
		return nil, nil
	}

	// Rule 4: depends_on references a sibling in this scope; output
	// references discovered via template parsing add extra edges per
	// Design Notes §9.
	edges := make(map[string][]string, len(steps))
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for i, s := range steps {
		if s.ID == "" {
			continue
		}
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		for _, dep := range s.DependsOn {
			if !idSet[dep] {
				result.AddError(stepPath, "unknown_dependency", fmt.Sprintf("depends_on references unknown sibling %q", dep))
				continue
			}
			edges[s.ID] = append(edges[s.ID], dep)
		}
		for _, ref := range extractOutputRefsFromValue(s.With) {
			if ref != s.ID && idSet[ref] {
				edges[s.ID] = append(edges[s.ID], ref)
			}
		}
		if s.If != "" {
			for _, ref := range extractOutputRefs(s.If) {
				if ref != s.ID && idSet[ref] {
					edges[s.ID] = append(edges[s.ID], ref)
				}
			}
		}
	}

	if !result.Valid() {
		return nil, nil
	}

	graph, err := buildScopeGraph(ids, edges)
	if err != nil {
		result.AddError(path, schema.ErrCodeCycleDetected, err.Error())
		return nil, nil
	}

	return &ExecutableScope{Steps: steps, Graph: graph, Children: children}, nil
}

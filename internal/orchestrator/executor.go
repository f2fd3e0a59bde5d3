package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/beemflow/flow/internal/template"
	"github.com/beemflow/flow/pkg/schema"
)

// executeToolStep implements the Step Executor's algorithm for a
// tool-shaped step (spec.md §4.4): evaluate `if` and skip when false,
// evaluate `with` against the current scope, resolve and validate
// params against the named adapter, invoke with retry, then record
// outputs or error. The returned outputs are also folded into rs so
// sibling and descendant steps can reference them.
func (o *Orchestrator) executeToolStep(ctx context.Context, rs *runState, instanceID string, step *schema.Step, scope *template.Scope) (map[string]any, error) {
	exec := &schema.StepExecution{
		ID:        uuid.NewString(),
		RunID:     rs.run.ID,
		StepName:  instanceID,
		Status:    schema.StepExecPending,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.CreateStep(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "recording step %s: %v", instanceID, err).WithStep(instanceID)
	}

	if step.If != "" {
		ok, err := template.EvaluateCondition(step.If, scope)
		if err != nil {
			ferr := schema.NewErrorf(schema.ErrCodeTemplate, "evaluating if for %s: %v", instanceID, err).WithStep(instanceID)
			o.finishStep(ctx, exec, schema.StepExecFailed, nil, ferr)
			return nil, ferr
		}
		if !ok {
			o.finishStep(ctx, exec, schema.StepExecSkipped, nil, nil)
			return nil, nil
		}
	}

	exec.Status = schema.StepExecRunning
	_ = o.store.UpdateStep(ctx, exec)

	resolved, err := evalWithParams(step.With, scope)
	if err != nil {
		ferr := schema.NewErrorf(schema.ErrCodeTemplate, "evaluating with for %s: %v", instanceID, err).WithStep(instanceID)
		o.finishStep(ctx, exec, schema.StepExecFailed, nil, ferr)
		return nil, ferr
	}
	params, _ := resolved.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	adapter, err := o.registry.Resolve(step.Use)
	if err != nil {
		ferr := toFlowError(err, schema.ErrCodeValidation, instanceID)
		o.finishStep(ctx, exec, schema.StepExecFailed, nil, ferr)
		return nil, ferr
	}
	if err := adapter.Validate(params); err != nil {
		ferr := schema.NewErrorf(schema.ErrCodeValidation, "validating params for %s: %v", instanceID, err).WithStep(instanceID)
		o.finishStep(ctx, exec, schema.StepExecFailed, nil, ferr)
		return nil, ferr
	}

	outputs, invokeErr := invokeWithRetry(ctx, adapter.Invoke, params, step.Retry, instanceID)
	if invokeErr != nil {
		o.finishStep(ctx, exec, schema.StepExecFailed, nil, invokeErr)
		return nil, invokeErr
	}

	o.finishStep(ctx, exec, schema.StepExecSucceeded, outputs, nil)
	rs.setOutput(step.ID, outputs)
	return outputs, nil
}

type invokeFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// invokeWithRetry calls invoke, retrying per policy while the error is
// retryable (schema.Retryable — adapter errors only) and the policy's
// total invocation budget isn't spent. `retry: {attempts: k}` on a
// deterministically failing step therefore yields exactly k invocations
// total, not k+1. The final error, if any, is always a *schema.FlowError.
func invokeWithRetry(ctx context.Context, invoke invokeFunc, params map[string]any, policy *schema.RetryPolicy, instanceID string) (map[string]any, *schema.FlowError) {
	attemptsMade := 0
	for {
		outputs, err := invoke(ctx, params)
		attemptsMade++
		if err == nil {
			return outputs, nil
		}
		ferr := toFlowError(err, schema.ErrCodeAdapter, instanceID)
		if !shouldRetry(policy, attemptsMade, ferr) {
			return nil, ferr
		}
		if werr := waitForRetry(ctx, policy); werr != nil {
			return nil, ferr
		}
	}
}

// finishStep persists a step execution's terminal (or skipped) state.
func (o *Orchestrator) finishStep(ctx context.Context, exec *schema.StepExecution, status schema.StepExecutionStatus, outputs map[string]any, ferr *schema.FlowError) {
	ended := time.Now().UTC()
	exec.Status = status
	exec.EndedAt = &ended
	if outputs != nil {
		if b, err := json.Marshal(outputs); err == nil {
			exec.Outputs = b
		}
	}
	if ferr != nil {
		if b, err := json.Marshal(ferr.AsStepError()); err == nil {
			exec.Error = b
		}
	}
	_ = o.store.UpdateStep(ctx, exec)
}

// toFlowError wraps a plain error as a *schema.FlowError under
// defaultCode, passing an already-typed FlowError through unchanged
// (aside from filling in a missing step id).
func toFlowError(err error, defaultCode, stepID string) *schema.FlowError {
	if fe, ok := err.(*schema.FlowError); ok {
		if fe.StepID == "" {
			fe.StepID = stepID
		}
		return fe
	}
	return schema.NewErrorf(defaultCode, "%v", err).WithStep(stepID)
}

// evalWithParams recursively evaluates every string leaf of a `with:`
// value tree as a template, leaving maps/slices structurally intact
// and non-string scalars untouched.
func evalWithParams(v any, scope *template.Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return template.Evaluate(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rv, err := evalWithParams(val, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rv, err := evalWithParams(val, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

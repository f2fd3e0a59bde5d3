package orchestrator

import "github.com/beemflow/flow/pkg/schema"

// validRunTransitions enumerates the legal schema.RunStatus edges.
// BeemFlow's run vocabulary is flatter than a generic workflow engine's:
// there is no "active vs suspended-for-signal" split because pausing is
// modeled as its own terminal-for-now status (paused), resumed back
// into running rather than transitioned through a separate state.
var validRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunPending: {schema.RunRunning},
	schema.RunRunning: {schema.RunPaused, schema.RunSucceeded, schema.RunFailed, schema.RunCatching},
	schema.RunPaused:  {schema.RunRunning},
	schema.RunCatching: {schema.RunFailed},
}

func validRunTransition(from, to schema.RunStatus) bool {
	for _, allowed := range validRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// validStepTransitions enumerates the legal schema.StepExecutionStatus
// edges. Unlike the teacher's step vocabulary, there is no "retrying"
// state: a retry re-enters running directly, since only the final
// attempt's outcome is ever persisted as a step_execution row per
// spec.md's recorded-state model.
var validStepTransitions = map[schema.StepExecutionStatus][]schema.StepExecutionStatus{
	schema.StepExecPending: {schema.StepExecRunning, schema.StepExecSkipped},
	schema.StepExecRunning: {schema.StepExecRunning, schema.StepExecSucceeded, schema.StepExecFailed},
}

func validStepTransition(from, to schema.StepExecutionStatus) bool {
	for _, allowed := range validStepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func transitionErr(kind, from, to string) error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s: invalid transition %s -> %s", kind, from, to)
}

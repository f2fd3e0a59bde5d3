package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beemflow/flow/internal/registry"
	"github.com/beemflow/flow/internal/store"
	"github.com/beemflow/flow/internal/validate"
	"github.com/beemflow/flow/pkg/schema"
)

// failDoer is an HTTPDoer that never succeeds, standing in for the
// generic HTTP tier (spec.md §4.3 tier 4) in scenarios that don't
// exercise network calls.
type failDoer struct{}

func (failDoer) Do(context.Context, registry.HTTPRequest) (map[string]any, error) {
	return nil, schema.NewError(schema.ErrCodeAdapter, "no network access in tests")
}

// countingAdapter is a registry-manifest adapter (tier 2) whose Invoke
// behavior is supplied per test, for flaky-then-succeeds and
// always-fails scenarios.
type countingAdapter struct {
	name   string
	invoke func(params map[string]any) (map[string]any, error)
}

func (a *countingAdapter) Name() string                      { return a.name }
func (a *countingAdapter) Validate(map[string]any) error     { return nil }
func (a *countingAdapter) Invoke(_ context.Context, params map[string]any) (map[string]any, error) {
	return a.invoke(params)
}

// resumerFunc adapts a plain function to eventbus.Resumer.
type resumerFunc func(ctx context.Context, ef *validate.ExecutableFlow, token schema.WaitToken, eventPayload map[string]any) (*schema.Run, error)

func (f resumerFunc) Resume(ctx context.Context, ef *validate.ExecutableFlow, token schema.WaitToken, eventPayload map[string]any) (*schema.Run, error) {
	return f(ctx, ef, token, eventPayload)
}

func findStep(t *testing.T, st store.Store, runID, stepName string) *schema.StepExecution {
	t.Helper()
	steps, err := st.ListSteps(context.Background(), runID)
	require.NoError(t, err)
	for _, s := range steps {
		if s.StepName == stepName {
			return s
		}
	}
	t.Fatalf("step %q not found in run %q", stepName, runID)
	return nil
}

func stepOutput(t *testing.T, st store.Store, runID, stepName string) map[string]any {
	t.Helper()
	step := findStep(t, st, runID, stepName)
	var out map[string]any
	require.NoError(t, json.Unmarshal(step.Outputs, &out))
	return out
}

func stepOutputf(t *testing.T, st store.Store, runID, format string, args ...any) map[string]any {
	t.Helper()
	return stepOutput(t, st, runID, fmt.Sprintf(format, args...))
}

func waitForRunStatus(t *testing.T, st store.Store, runID string, want schema.RunStatus) schema.RunStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return run.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run.Status
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

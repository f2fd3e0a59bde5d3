package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beemflow/flow/internal/store"
	"github.com/beemflow/flow/internal/template"
	"github.com/beemflow/flow/pkg/schema"
)

func newTestOrchestrator(st store.Store, resolver *mockResolver) *Orchestrator {
	return NewOrchestrator(st, resolver, nil, WithPoolSize(4))
}

func newTestRunState(runID string) *runState {
	return &runState{
		run:     &schema.Run{ID: runID, FlowName: "f", Status: schema.RunRunning, StartedAt: time.Now()},
		outputs: map[string]any{},
	}
}

func TestExecuteToolStep_Success(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	rs := newTestRunState("r1")
	require.NoError(t, st.CreateRun(context.Background(), rs.run))

	step := &schema.Step{ID: "s1", Use: "echo", With: map[string]any{"msg": "hi"}}
	out, err := o.executeToolStep(context.Background(), rs, "steps/s1", step, template.NewScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, 1, echo.count())

	stored, ok := rs.getOutput("s1")
	assert.True(t, ok)
	assert.Equal(t, out, stored)
}

func TestExecuteToolStep_IfFalseSkips(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	rs := newTestRunState("r1")
	require.NoError(t, st.CreateRun(context.Background(), rs.run))

	step := &schema.Step{ID: "s1", If: "false", Use: "echo"}
	out, err := o.executeToolStep(context.Background(), rs, "steps/s1", step, template.NewScope())
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 0, echo.count())
}

func TestExecuteToolStep_TemplateErrorInWith(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	rs := newTestRunState("r1")
	require.NoError(t, st.CreateRun(context.Background(), rs.run))

	step := &schema.Step{ID: "s1", Use: "echo", With: map[string]any{"msg": "{{ vars.missing.deeper }}"}}
	_, err := o.executeToolStep(context.Background(), rs, "steps/s1", step, template.NewScope())
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeTemplate, fe.Code)
}

func TestExecuteToolStep_ValidationError(t *testing.T) {
	st := store.NewMemoryStore()
	picky := &mockAdapter{name: "picky", validate: func(params map[string]any) error {
		return assertErr("missing required field")
	}}
	o := newTestOrchestrator(st, newMockResolver(picky))

	rs := newTestRunState("r1")
	require.NoError(t, st.CreateRun(context.Background(), rs.run))

	step := &schema.Step{ID: "s1", Use: "picky"}
	_, err := o.executeToolStep(context.Background(), rs, "steps/s1", step, template.NewScope())
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestExecuteToolStep_UnresolvableAdapter(t *testing.T) {
	st := store.NewMemoryStore()
	o := newTestOrchestrator(st, newMockResolver())

	rs := newTestRunState("r1")
	require.NoError(t, st.CreateRun(context.Background(), rs.run))

	step := &schema.Step{ID: "s1", Use: "nope"}
	_, err := o.executeToolStep(context.Background(), rs, "steps/s1", step, template.NewScope())
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestExecuteToolStep_RetryThenSucceed(t *testing.T) {
	st := store.NewMemoryStore()
	attempts := 0
	flaky := &mockAdapter{name: "flaky", invokeFn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, assertErr("transient failure")
		}
		return map[string]any{"attempt": attempts}, nil
	}}
	o := newTestOrchestrator(st, newMockResolver(flaky))

	rs := newTestRunState("r1")
	require.NoError(t, st.CreateRun(context.Background(), rs.run))

	step := &schema.Step{ID: "s1", Use: "flaky", Retry: &schema.RetryPolicy{Attempts: 5, DelaySec: 0}}
	out, err := o.executeToolStep(context.Background(), rs, "steps/s1", step, template.NewScope())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, out["attempt"])
}

func TestExecuteToolStep_RetryExhausted(t *testing.T) {
	st := store.NewMemoryStore()
	alwaysFails := &mockAdapter{name: "bad", invokeFn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, assertErr("always fails")
	}}
	o := newTestOrchestrator(st, newMockResolver(alwaysFails))

	rs := newTestRunState("r1")
	require.NoError(t, st.CreateRun(context.Background(), rs.run))

	step := &schema.Step{ID: "s1", Use: "bad", Retry: &schema.RetryPolicy{Attempts: 2, DelaySec: 0}}
	_, err := o.executeToolStep(context.Background(), rs, "steps/s1", step, template.NewScope())
	require.Error(t, err)
	// Attempts is the total invocation budget, so Attempts:2 means
	// exactly 2 invocations before giving up.
	assert.Equal(t, 2, alwaysFails.count())

	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeAdapter, fe.Code)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }

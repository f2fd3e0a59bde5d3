package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beemflow/flow/internal/store"
	"github.com/beemflow/flow/internal/validate"
	"github.com/beemflow/flow/pkg/schema"
)

func buildFlow(t *testing.T, steps, catch []schema.Step) *validate.ExecutableFlow {
	t.Helper()
	flow := &schema.Flow{
		Name:  "t",
		On:    schema.Trigger{Names: []string{schema.TriggerManual}},
		Steps: steps,
		Catch: catch,
	}
	ef, err := validate.Validate(flow)
	require.NoError(t, err)
	return ef
}

func TestOrchestrator_SimpleChainSucceeds(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	ef := buildFlow(t, []schema.Step{
		{ID: "a", Use: "echo", With: map[string]any{"msg": "hi"}},
		{ID: "b", Use: "echo", DependsOn: []string{"a"}, With: map[string]any{"msg": "{{ outputs.a.ok }}"}},
	}, nil)

	run, err := o.Start(context.Background(), ef, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSucceeded, run.Status)
	assert.Equal(t, 2, echo.count())
}

func TestOrchestrator_ParallelStepRunsAllBranches(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	ef := buildFlow(t, []schema.Step{
		{ID: "p", Parallel: true, Steps: []schema.Step{
			{ID: "x", Use: "echo"},
			{ID: "y", Use: "echo"},
		}},
	}, nil)

	run, err := o.Start(context.Background(), ef, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSucceeded, run.Status)
	assert.Equal(t, 2, echo.count())
}

func TestOrchestrator_ForeachIteratesEveryItem(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	ef := buildFlow(t, []schema.Step{
		{ID: "f", Foreach: "{{ vars.items }}", As: "item", Do: []schema.Step{
			{ID: "use", Use: "echo", With: map[string]any{"msg": "{{ item }}"}},
		}},
	}, nil)

	vars := map[string]any{"items": []any{"a", "b", "c"}}
	run, err := o.Start(context.Background(), ef, nil, vars)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSucceeded, run.Status)
	assert.Equal(t, 3, echo.count())
}

func TestOrchestrator_AwaitEventSuspendsThenResumes(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	bus := &mockBus{}
	o := NewOrchestrator(st, newMockResolver(echo), bus, WithPoolSize(4))

	ef := buildFlow(t, []schema.Step{
		{ID: "w", AwaitEvent: &schema.AwaitEventSpec{Source: "test.topic"}},
		{ID: "after", Use: "echo", DependsOn: []string{"w"}, With: map[string]any{"msg": "{{ event.payload }}"}},
	}, nil)

	run, err := o.Start(context.Background(), ef, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunPaused, run.Status)
	assert.Equal(t, 0, echo.count())
	require.Len(t, bus.waits, 1)

	resumed, err := o.Resume(context.Background(), ef, bus.waits[0].Token, map[string]any{"payload": "go"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunSucceeded, resumed.Status)
	assert.Equal(t, 1, echo.count())
}

func TestOrchestrator_AwaitEventMatchIsTemplateExpandedAtSuspendTime(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	bus := &mockBus{}
	o := NewOrchestrator(st, newMockResolver(echo), bus, WithPoolSize(4))

	ef := buildFlow(t, []schema.Step{
		{ID: "w", AwaitEvent: &schema.AwaitEventSpec{
			Source: "test.topic",
			Match:  map[string]any{"user_id": "{{ vars.user_id }}"},
		}},
	}, nil)

	vars := map[string]any{"user_id": "u-42"}
	run, err := o.Start(context.Background(), ef, nil, vars)
	require.NoError(t, err)
	assert.Equal(t, schema.RunPaused, run.Status)
	require.Len(t, bus.waits, 1)

	// The persisted WaitRecord must carry the already-resolved value: the
	// Event Bus that later matches incoming payloads against it has no
	// access to this run's template scope.
	assert.Equal(t, map[string]any{"user_id": "u-42"}, bus.waits[0].Match)
}

func TestOrchestrator_WaitTimerSuspendsThenResumes(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	bus := &mockBus{}
	o := NewOrchestrator(st, newMockResolver(echo), bus, WithPoolSize(4))

	ef := buildFlow(t, []schema.Step{
		{ID: "w", Wait: &schema.WaitSpec{Seconds: 60}},
		{ID: "after", Use: "echo", DependsOn: []string{"w"}},
	}, nil)

	run, err := o.Start(context.Background(), ef, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunPaused, run.Status)
	require.Len(t, bus.waits, 1)
	assert.NotZero(t, bus.waits[0].WakeAtMS)

	resumed, err := o.Resume(context.Background(), ef, bus.waits[0].Token, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSucceeded, resumed.Status)
	assert.Equal(t, 1, echo.count())
}

func TestOrchestrator_CatchBlockRunsOnFailure(t *testing.T) {
	st := store.NewMemoryStore()
	notify := &mockAdapter{name: "notify"}
	o := newTestOrchestrator(st, newMockResolver(notify))

	ef := buildFlow(t, []schema.Step{
		{ID: "bad", Use: "nonexistent"},
	}, []schema.Step{
		{ID: "notify", Use: "notify", With: map[string]any{"reason": "{{ error.message }}"}},
	})

	run, err := o.Start(context.Background(), ef, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Equal(t, 1, notify.count())
}

func TestOrchestrator_ForeachNestedInParallelSuspendsAndResumes(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	bus := &mockBus{}
	o := NewOrchestrator(st, newMockResolver(echo), bus, WithPoolSize(4))

	ef := buildFlow(t, []schema.Step{
		{ID: "p", Parallel: true, Steps: []schema.Step{
			{ID: "f", Foreach: "{{ vars.items }}", As: "item", Do: []schema.Step{
				{ID: "w", AwaitEvent: &schema.AwaitEventSpec{Source: "test.topic"}},
			}},
		}},
	}, nil)

	// A single item keeps this to one suspend/resume round trip: with
	// more than one item, satisfying the first iteration's wait would
	// immediately suspend again for the next iteration's own wait.
	vars := map[string]any{"items": []any{"a"}}
	run, err := o.Start(context.Background(), ef, nil, vars)
	require.NoError(t, err)
	assert.Equal(t, schema.RunPaused, run.Status)
	require.Len(t, bus.waits, 1)

	resumed, err := o.Resume(context.Background(), ef, bus.waits[0].Token, map[string]any{"payload": "go"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunSucceeded, resumed.Status)
	assert.Len(t, bus.waits, 1, "resume must not re-suspend on the already-satisfied branch")
}

func TestOrchestrator_ForeachBindsIndexAndRowLocals(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	ef := buildFlow(t, []schema.Step{
		{ID: "f", Foreach: "{{ vars.items }}", As: "item", Do: []schema.Step{
			{ID: "use", Use: "echo", With: map[string]any{
				"index": "{{ item_index }}",
				"row":   "{{ item_row }}",
			}},
		}},
	}, nil)

	vars := map[string]any{"items": []any{"a", "b", "c"}}
	run, err := o.Start(context.Background(), ef, nil, vars)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSucceeded, run.Status)

	require.Len(t, echo.calls, 3)
	for i, call := range echo.calls {
		assert.Equal(t, float64(i), call["index"])
		assert.Equal(t, float64(i+1), call["row"])
	}
}

func TestOrchestrator_RunsPreviousScopeSeesPriorSucceededRunOutputs(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	// The first run doesn't reference runs.previous at all: accessing a
	// field on a null runs.previous would raise a TemplateError, and
	// nothing has run yet to populate it.
	first, err := o.Start(context.Background(), buildFlow(t, []schema.Step{
		{ID: "a", Use: "echo", With: map[string]any{"msg": "first"}},
	}, nil), map[string]any{"n": 1}, nil, RunOptions{Dedupe: false})
	require.NoError(t, err)
	require.Equal(t, schema.RunSucceeded, first.Status)

	second, err := o.Start(context.Background(), buildFlow(t, []schema.Step{
		{ID: "a", Use: "echo", With: map[string]any{"msg": "{{ runs.previous.outputs.a.ok }}"}},
	}, nil), map[string]any{"n": 2}, nil, RunOptions{Dedupe: false})
	require.NoError(t, err)
	require.Equal(t, schema.RunSucceeded, second.Status)
	assert.Equal(t, true, echo.calls[len(echo.calls)-1]["msg"], "second run should see the first run's succeeded step output")
}

func TestOrchestrator_StartDedupesIdenticalEventWithinWindow(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	ef := buildFlow(t, []schema.Step{{ID: "a", Use: "echo"}}, nil)
	event := map[string]any{"id": "evt-1"}

	first, err := o.Start(context.Background(), ef, event, nil)
	require.NoError(t, err)

	second, err := o.Start(context.Background(), ef, event, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, echo.count(), "deduped Start must not re-execute the flow")
}

func TestOrchestrator_StartDedupeOptOutReexecutes(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	ef := buildFlow(t, []schema.Step{{ID: "a", Use: "echo"}}, nil)
	event := map[string]any{"id": "evt-1"}

	_, err := o.Start(context.Background(), ef, event, nil, RunOptions{Dedupe: false})
	require.NoError(t, err)
	_, err = o.Start(context.Background(), ef, event, nil, RunOptions{Dedupe: false})
	require.NoError(t, err)

	assert.Equal(t, 2, echo.count())
}

func TestOrchestrator_MetricsTracksOutcomes(t *testing.T) {
	st := store.NewMemoryStore()
	echo := &mockAdapter{name: "echo"}
	o := newTestOrchestrator(st, newMockResolver(echo))

	ef := buildFlow(t, []schema.Step{{ID: "a", Use: "echo"}}, nil)

	_, err := o.Start(context.Background(), ef, map[string]any{"id": "m1"}, nil, RunOptions{Dedupe: false})
	require.NoError(t, err)
	_, err = o.Start(context.Background(), ef, map[string]any{"id": "m2"}, nil, RunOptions{Dedupe: false})
	require.NoError(t, err)

	m := o.Metrics()
	assert.Equal(t, int64(2), m.TotalExecutions)
	assert.Equal(t, int64(2), m.SuccessfulExecutions)
	assert.Equal(t, int64(0), m.FailedExecutions)
}

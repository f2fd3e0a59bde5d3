package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beemflow/flow/internal/store"
	"github.com/beemflow/flow/internal/validate"
	"github.com/beemflow/flow/pkg/schema"
)

const fixtureFlow = `
name: t
on: [manual]
steps:
  - id: w
    await_event:
      source: test.topic
`

type mockResumer struct {
	mu    sync.Mutex
	calls []resumeCall
	err   error
}

type resumeCall struct {
	token   schema.WaitToken
	payload map[string]any
}

func (m *mockResumer) Resume(_ context.Context, _ *validate.ExecutableFlow, token schema.WaitToken, payload map[string]any) (*schema.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, resumeCall{token: token, payload: payload})
	if m.err != nil {
		return nil, m.err
	}
	return &schema.Run{ID: "r", Status: schema.RunSucceeded}, nil
}

func (m *mockResumer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockResumer) lastPayload() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1].payload
}

func seedPausedRun(t *testing.T, st store.Store, token schema.WaitToken, wait store.WaitRecord) {
	t.Helper()
	require.NoError(t, st.SaveFlow(context.Background(), "t", []byte(fixtureFlow)))
	require.NoError(t, st.SavePausedRun(context.Background(), token, store.PausedRunState{
		RunID:    wait.RunID,
		FlowName: "t",
	}))
	require.NoError(t, st.SaveWait(context.Background(), wait))
}

func TestBus_PublishWakesMatchingWait(t *testing.T) {
	st := store.NewMemoryStore()
	resumer := &mockResumer{}
	bus := NewBus(st, resumer)

	wait := store.WaitRecord{Token: "tok1", RunID: "r1", Source: "test.topic", Match: map[string]any{"user_id": "u-1"}}
	seedPausedRun(t, st, wait.Token, wait)
	require.NoError(t, bus.RegisterWait(wait))

	err := bus.Publish(context.Background(), "test.topic", map[string]any{"user_id": "u-1", "extra": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, 1, resumer.callCount())
	assert.Equal(t, schema.WaitToken("tok1"), resumer.calls[0].token)
}

func TestBus_PublishIgnoresNonMatchingPayload(t *testing.T) {
	st := store.NewMemoryStore()
	resumer := &mockResumer{}
	bus := NewBus(st, resumer)

	wait := store.WaitRecord{Token: "tok1", RunID: "r1", Source: "test.topic", Match: map[string]any{"user_id": "u-1"}}
	seedPausedRun(t, st, wait.Token, wait)
	require.NoError(t, bus.RegisterWait(wait))

	err := bus.Publish(context.Background(), "test.topic", map[string]any{"user_id": "u-2"})
	require.NoError(t, err)
	assert.Equal(t, 0, resumer.callCount())
}

func TestBus_PublishIgnoresUnregisteredSource(t *testing.T) {
	st := store.NewMemoryStore()
	resumer := &mockResumer{}
	bus := NewBus(st, resumer)

	err := bus.Publish(context.Background(), "nobody.listens", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 0, resumer.callCount())
}

func TestBus_PublishMatchesOnlyOnceAcrossDuplicateDelivery(t *testing.T) {
	st := store.NewMemoryStore()
	resumer := &mockResumer{}
	bus := NewBus(st, resumer)

	wait := store.WaitRecord{Token: "tok1", RunID: "r1", Source: "test.topic"}
	seedPausedRun(t, st, wait.Token, wait)
	require.NoError(t, bus.RegisterWait(wait))

	require.NoError(t, bus.Publish(context.Background(), "test.topic", map[string]any{}))
	require.NoError(t, bus.Publish(context.Background(), "test.topic", map[string]any{}))
	assert.Equal(t, 1, resumer.callCount(), "a wait claimed once must not be claimable again")
}

func TestBus_RegisterWaitIgnoresPlainTimerWait(t *testing.T) {
	st := store.NewMemoryStore()
	bus := NewBus(st, &mockResumer{})

	require.NoError(t, bus.RegisterWait(store.WaitRecord{Token: "tok1", RunID: "r1", WakeAtMS: time.Now().UnixMilli()}))
	bus.mu.Lock()
	n := len(bus.bySource)
	bus.mu.Unlock()
	assert.Equal(t, 0, n, "a timer-only wait has no Source to index")
}

func TestBus_TickWakesDueTimerWait(t *testing.T) {
	st := store.NewMemoryStore()
	resumer := &mockResumer{}
	bus := NewBus(st, resumer)

	wait := store.WaitRecord{Token: "tok1", RunID: "r1", WakeAtMS: time.Now().Add(-time.Second).UnixMilli()}
	seedPausedRun(t, st, wait.Token, wait)

	bus.tick(context.Background())
	assert.Equal(t, 1, resumer.callCount())
	assert.Nil(t, resumer.lastPayload())
}

func TestBus_TickWakesTimedOutEventWaitWithSyntheticError(t *testing.T) {
	st := store.NewMemoryStore()
	resumer := &mockResumer{}
	bus := NewBus(st, resumer)

	wait := store.WaitRecord{
		Token:       "tok1",
		RunID:       "r1",
		Source:      "test.topic",
		TimeoutAtMS: time.Now().Add(-time.Second).UnixMilli(),
	}
	seedPausedRun(t, st, wait.Token, wait)
	require.NoError(t, bus.RegisterWait(wait))

	bus.tick(context.Background())
	require.Equal(t, 1, resumer.callCount())
	payload := resumer.lastPayload()
	require.NotNil(t, payload)
	assert.Equal(t, true, payload["timeout"])
	errBinding, ok := payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(schema.ErrCodeTimeout), errBinding["type"])
}

func TestBus_TickSkipsWaitsNotYetDue(t *testing.T) {
	st := store.NewMemoryStore()
	resumer := &mockResumer{}
	bus := NewBus(st, resumer)

	wait := store.WaitRecord{Token: "tok1", RunID: "r1", WakeAtMS: time.Now().Add(time.Hour).UnixMilli()}
	seedPausedRun(t, st, wait.Token, wait)

	bus.tick(context.Background())
	assert.Equal(t, 0, resumer.callCount())
}

func TestBus_StartStopRunsPollLoopAtLeastOnce(t *testing.T) {
	st := store.NewMemoryStore()
	resumer := &mockResumer{}
	bus := NewBus(st, resumer, WithPollInterval(10*time.Millisecond))

	wait := store.WaitRecord{Token: "tok1", RunID: "r1", WakeAtMS: time.Now().Add(-time.Second).UnixMilli()}
	seedPausedRun(t, st, wait.Token, wait)

	require.NoError(t, bus.Start(context.Background()))
	deadline := time.After(500 * time.Millisecond)
	for resumer.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("poll loop never woke the due wait")
		case <-time.After(5 * time.Millisecond):
		}
	}
	require.NoError(t, bus.Stop())
	assert.Equal(t, 1, resumer.callCount())
}

func TestBus_StartTwiceErrors(t *testing.T) {
	st := store.NewMemoryStore()
	bus := NewBus(st, &mockResumer{}, WithPollInterval(time.Minute))
	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop()
	assert.Error(t, bus.Start(context.Background()))
}

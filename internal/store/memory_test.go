package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beemflow/flow/pkg/schema"
)

func TestMemoryStore_SatisfiesStoreInterface(t *testing.T) {
	var _ Store = NewMemoryStore()
}

func TestMemoryStore_RunLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	run := &schema.Run{ID: "r1", FlowName: "echo", Status: schema.RunPending, StartedAt: time.Now()}
	require.NoError(t, m.CreateRun(ctx, run))

	ended := time.Now()
	require.NoError(t, m.UpdateRunStatus(ctx, "r1", schema.RunSucceeded, &ended))

	assert.Equal(t, schema.RunPending, run.Status, "CreateRun must copy, not alias, the caller's Run")
}

func TestMemoryStore_UpdateRunStatus_UnknownRunErrors(t *testing.T) {
	m := NewMemoryStore()
	err := m.UpdateRunStatus(context.Background(), "missing", schema.RunFailed, nil)
	require.Error(t, err)
}

func TestMemoryStore_StepLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	step := &schema.StepExecution{ID: "s1", RunID: "r1", StepName: "say_hi", Status: schema.StepExecRunning, StartedAt: time.Now()}
	require.NoError(t, m.CreateStep(ctx, step))

	step.Status = schema.StepExecSucceeded
	require.NoError(t, m.UpdateStep(ctx, step))
}

func TestMemoryStore_UpdateStep_UnknownRunErrors(t *testing.T) {
	m := NewMemoryStore()
	err := m.UpdateStep(context.Background(), &schema.StepExecution{ID: "s1", RunID: "missing"})
	require.Error(t, err)
}

func TestMemoryStore_PausedRunRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	token := schema.WaitToken("tok-1")

	state := PausedRunState{RunID: "r1", FlowName: "flow", SuspendedStep: "wait1"}
	require.NoError(t, m.SavePausedRun(ctx, token, state))

	loaded, err := m.LoadPausedRun(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)

	require.NoError(t, m.DeletePausedRun(ctx, token))
	_, err = m.LoadPausedRun(ctx, token)
	require.Error(t, err)
}

func TestMemoryStore_WaitsDueByWakeOrTimeout(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UnixMilli()

	require.NoError(t, m.SaveWait(ctx, WaitRecord{Token: "timer", RunID: "r1", WakeAtMS: now - 1000}))
	require.NoError(t, m.SaveWait(ctx, WaitRecord{Token: "event", RunID: "r2", Source: "approved", TimeoutAtMS: now - 500}))
	require.NoError(t, m.SaveWait(ctx, WaitRecord{Token: "future", RunID: "r3", WakeAtMS: now + 100000}))

	due, err := m.ListWaitsDue(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	require.NoError(t, m.DeleteWait(ctx, "timer"))
	require.NoError(t, m.DeleteWait(ctx, "event"))
	due, err = m.ListWaitsDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMemoryStore_FlowsAndVersions(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.SaveFlow(ctx, "echo", []byte("content")))
	content, err := m.LoadFlow(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), content)

	names, err := m.ListFlows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, names)

	require.NoError(t, m.SaveFlowVersion(ctx, "echo", "v1", []byte("v1")))
	require.Error(t, m.SetDeployedVersion(ctx, "echo", "v2"))
	require.NoError(t, m.SetDeployedVersion(ctx, "echo", "v1"))

	deployed, err := m.GetDeployed(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "v1", deployed.Version)
}

func TestMemoryStore_LoadFlow_UnknownNameErrors(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.LoadFlow(context.Background(), "missing")
	require.Error(t, err)
}

func TestMemoryStore_GetDeployed_UnknownFlowErrors(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.GetDeployed(context.Background(), "missing")
	require.Error(t, err)
}

func TestMemoryStore_GetLatestSucceededRun_NoneYetReturnsNilNil(t *testing.T) {
	m := NewMemoryStore()
	run, err := m.GetLatestSucceededRun(context.Background(), "flow")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestMemoryStore_GetLatestSucceededRun_IgnoresOtherFlowsAndNonSucceeded(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, &schema.Run{ID: "other-flow", FlowName: "other", Status: schema.RunSucceeded, StartedAt: time.Now()}))
	require.NoError(t, m.CreateRun(ctx, &schema.Run{ID: "failed", FlowName: "flow", Status: schema.RunFailed, StartedAt: time.Now()}))

	run, err := m.GetLatestSucceededRun(ctx, "flow")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestMemoryStore_GetLatestSucceededRun_ReturnsMostRecentlyEnded(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	older := now.Add(-time.Hour)
	newer := now

	require.NoError(t, m.CreateRun(ctx, &schema.Run{ID: "old", FlowName: "flow", Status: schema.RunSucceeded, StartedAt: older, EndedAt: &older}))
	require.NoError(t, m.CreateRun(ctx, &schema.Run{ID: "new", FlowName: "flow", Status: schema.RunSucceeded, StartedAt: newer, EndedAt: &newer}))

	run, err := m.GetLatestSucceededRun(ctx, "flow")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "new", run.ID)
}

func TestMemoryStore_SecretLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.StoreSecret(ctx, "api_key", []byte("v1")))
	v, err := m.GetSecret(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, m.StoreSecret(ctx, "api_key", []byte("v2")))
	v, err = m.GetSecret(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	keys, err := m.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api_key"}, keys)

	require.NoError(t, m.DeleteSecret(ctx, "api_key"))
	_, err = m.GetSecret(ctx, "api_key")
	require.Error(t, err)
}

func TestMemoryStore_GetSecret_UnknownKeyErrors(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.GetSecret(context.Background(), "missing")
	require.Error(t, err)
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beemflow/flow/pkg/schema"
)

// MemoryStore is an in-process Store implementation used by tests and
// the end-to-end scenarios. Grounded on the teacher's general
// mutex-guarded-map storage convention (the same discipline
// LibSQLStore's single-writer SetMaxOpenConns(1) enforces at the
// database level, mirrored here at the Go level).
type MemoryStore struct {
	mu          sync.Mutex
	runs        map[string]*schema.Run
	steps       map[string]map[string]*schema.StepExecution
	pausedRuns  map[schema.WaitToken]PausedRunState
	waits       map[schema.WaitToken]WaitRecord
	flows       map[string][]byte
	flowVersions map[string]map[string][]byte
	deployed    map[string]string
	secrets     map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:         make(map[string]*schema.Run),
		steps:        make(map[string]map[string]*schema.StepExecution),
		pausedRuns:   make(map[schema.WaitToken]PausedRunState),
		waits:        make(map[schema.WaitToken]WaitRecord),
		flows:        make(map[string][]byte),
		flowVersions: make(map[string]map[string][]byte),
		deployed:     make(map[string]string),
		secrets:      make(map[string][]byte),
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, run *schema.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRunStatus(_ context.Context, runID string, status schema.RunStatus, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	run.Status = status
	if endedAt != nil {
		run.EndedAt = endedAt
	}
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*schema.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) GetLatestSucceededRun(_ context.Context, flowName string) (*schema.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *schema.Run
	for _, run := range m.runs {
		if run.FlowName != flowName || run.Status != schema.RunSucceeded {
			continue
		}
		if latest == nil || runEndTime(run).After(runEndTime(latest)) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func runEndTime(run *schema.Run) time.Time {
	if run.EndedAt != nil {
		return *run.EndedAt
	}
	return run.StartedAt
}

func (m *MemoryStore) CreateStep(_ context.Context, step *schema.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[step.RunID] == nil {
		m.steps[step.RunID] = make(map[string]*schema.StepExecution)
	}
	cp := *step
	m.steps[step.RunID][step.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateStep(_ context.Context, step *schema.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[step.RunID] == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q has no steps", step.RunID)
	}
	cp := *step
	m.steps[step.RunID][step.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]*schema.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.steps[runID]
	steps := make([]*schema.StepExecution, 0, len(byID))
	for _, s := range byID {
		cp := *s
		steps = append(steps, &cp)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StartedAt.Before(steps[j].StartedAt) })
	return steps, nil
}

func (m *MemoryStore) SavePausedRun(_ context.Context, token schema.WaitToken, state PausedRunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pausedRuns[token] = state
	return nil
}

func (m *MemoryStore) LoadPausedRun(_ context.Context, token schema.WaitToken) (PausedRunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.pausedRuns[token]
	if !ok {
		return PausedRunState{}, schema.NewErrorf(schema.ErrCodeNotFound, "no paused run for token %q", token)
	}
	return state, nil
}

func (m *MemoryStore) DeletePausedRun(_ context.Context, token schema.WaitToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pausedRuns, token)
	return nil
}

func (m *MemoryStore) SaveWait(_ context.Context, wait WaitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits[wait.Token] = wait
	return nil
}

func (m *MemoryStore) ListWaitsDue(_ context.Context, nowEpochMS int64) ([]WaitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []WaitRecord
	for _, w := range m.waits {
		if w.WakeAtMS != 0 && w.WakeAtMS <= nowEpochMS {
			due = append(due, w)
		} else if w.TimeoutAtMS != 0 && w.TimeoutAtMS <= nowEpochMS {
			due = append(due, w)
		}
	}
	return due, nil
}

func (m *MemoryStore) DeleteWait(_ context.Context, token schema.WaitToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waits, token)
	return nil
}

func (m *MemoryStore) SaveFlow(_ context.Context, name string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[name] = content
	return nil
}

func (m *MemoryStore) LoadFlow(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.flows[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not found", name)
	}
	return content, nil
}

func (m *MemoryStore) ListFlows(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.flows))
	for name := range m.flows {
		names = append(names, name)
	}
	return names, nil
}

func (m *MemoryStore) SaveFlowVersion(_ context.Context, name, version string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flowVersions[name] == nil {
		m.flowVersions[name] = make(map[string][]byte)
	}
	m.flowVersions[name][version] = content
	return nil
}

func (m *MemoryStore) SetDeployedVersion(_ context.Context, name, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flowVersions[name][version]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "flow %q has no version %q", name, version)
	}
	m.deployed[name] = version
	return nil
}

func (m *MemoryStore) GetDeployed(_ context.Context, name string) (FlowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.deployed[name]
	if !ok {
		return FlowVersion{}, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q has no deployed version", name)
	}
	return FlowVersion{Name: name, Version: version, Content: m.flowVersions[name][version]}, nil
}

func (m *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.secrets[key] = cp
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.secrets, key)
	return nil
}

func (m *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

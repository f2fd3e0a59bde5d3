package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beemflow/flow/internal/registry"
	"github.com/beemflow/flow/internal/store"
	"github.com/beemflow/flow/internal/template"
	"github.com/beemflow/flow/internal/validate"
	"github.com/beemflow/flow/pkg/schema"
)

// EventBus is the subset of the Event Bus the orchestrator needs: a
// way to register a pending wait so the bus can wake the run when a
// matching event (or timeout) arrives. The bus lives in its own
// package; the orchestrator only needs this adapter-contract surface.
type EventBus interface {
	RegisterWait(wait store.WaitRecord) error
}

// Orchestrator is the Run Orchestrator: it drives an ExecutableFlow's
// steps to completion, dispatching each topological layer's steps
// concurrently, threading loop/parallel scopes, suspending on
// await_event/wait steps, and invoking the catch block on unrecovered
// failure.
type Orchestrator struct {
	store     store.Store
	registry  ToolResolver
	bus       EventBus
	pool      *WorkerPool
	secrets   SecretResolver
	env       map[string]any
	logger    *slog.Logger
	metrics   ExecutionMetrics
	metricsMu sync.RWMutex
}

// ExecutionMetrics accumulates lightweight, in-memory counters across
// every run Start mints on this Orchestrator: totals by outcome and
// average wall-clock duration of runs that reached a terminal status.
// Purely observational; nothing here changes run behavior.
type ExecutionMetrics struct {
	TotalExecutions      int64
	SuccessfulExecutions int64
	FailedExecutions     int64
	PausedExecutions     int64
	TotalExecutionTime   time.Duration
	AverageExecutionTime time.Duration
	LastExecutionTime    time.Time
}

// Metrics returns a snapshot of the orchestrator's accumulated
// execution counters.
func (o *Orchestrator) Metrics() ExecutionMetrics {
	o.metricsMu.RLock()
	defer o.metricsMu.RUnlock()
	return o.metrics
}

func (o *Orchestrator) updateMetrics(fn func(*ExecutionMetrics)) {
	o.metricsMu.Lock()
	defer o.metricsMu.Unlock()
	fn(&o.metrics)
}

// RunOptions customizes a single Start call.
type RunOptions struct {
	// Dedupe controls deterministic run-id deduplication: when true
	// (the default when no RunOptions is passed), a run triggered by
	// an event identical to one already started within the current
	// dedupe window returns that run's existing record instead of
	// executing the flow again.
	Dedupe bool
}

// DefaultRunOptions is applied when Start is called with no RunOptions.
var DefaultRunOptions = RunOptions{Dedupe: true}

// ToolResolver is the subset of *registry.ToolRegistry the orchestrator
// calls into.
type ToolResolver interface {
	Resolve(name string) (registry.Adapter, error)
}

// SecretResolver resolves the secrets namespace a run's templates can
// reference. Its concrete implementation (vault-backed, env-backed,
// or otherwise) lives outside this package; the orchestrator only
// needs this one call at run-start and resume time.
type SecretResolver interface {
	Resolve(ctx context.Context) (map[string]any, error)
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithPoolSize overrides the default worker pool concurrency
// (DefaultPoolSize) used to dispatch each layer's steps.
func WithPoolSize(size int) Option {
	return func(o *Orchestrator) { o.pool = NewWorkerPool(size) }
}

// WithSecretResolver wires a secrets backend into every run's
// template scope under the `secrets` namespace.
func WithSecretResolver(r SecretResolver) Option {
	return func(o *Orchestrator) { o.secrets = r }
}

// WithEnvironment fixes the `env` namespace a run's templates see,
// overriding the default (the process's own environment). Tests use
// this for determinism.
func WithEnvironment(env map[string]any) Option {
	return func(o *Orchestrator) { o.env = env }
}

// WithLogger overrides the default logger (slog.Default()) used for
// run lifecycle events: start, suspend, resume, catch, and finish.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// runState is the mutable execution context threaded through one run's
// recursive scope walk: the outputs map template scopes read from,
// guarded by a mutex since sibling steps in a layer write concurrently.
type runState struct {
	mu      sync.Mutex
	run     *schema.Run
	outputs map[string]any
	failure *schema.FlowError
}

func (rs *runState) setOutput(stepID string, v map[string]any) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.outputs[stepID] = v
}

func (rs *runState) getOutput(stepID string) (map[string]any, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	v, ok := rs.outputs[stepID]
	m, _ := v.(map[string]any)
	return m, ok
}

func (rs *runState) snapshotOutputs() map[string]any {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[string]any, len(rs.outputs))
	for k, v := range rs.outputs {
		out[k] = v
	}
	return out
}

// suspendSignal unwinds a recursive scope walk when a step suspends
// the run (await_event or wait). Each enclosing scope frame that
// catches one on its way up pushes its own continuation cursor before
// re-raising, building PausedRunState.Cursors innermost-first.
type suspendSignal struct {
	token       schema.WaitToken
	wait        store.WaitRecord
	cursors     []store.Cursor
	loopFrames  []store.LoopFrame
	suspendedAt string
}

func (s *suspendSignal) Error() string { return "run suspended at " + s.suspendedAt }

func asSuspend(err error) (*suspendSignal, bool) {
	s, ok := err.(*suspendSignal)
	return s, ok
}

// scopeByID resolves a child scope for a parallel or foreach step,
// used when walking a validate.ExecutableScope's Children map.
func scopeByID(scope *validate.ExecutableScope, id string) *validate.ExecutableScope {
	return scope.Children[id]
}

// stepByID finds a step's full definition within a scope's Steps.
func stepByID(scope *validate.ExecutableScope, id string) *schema.Step {
	for i := range scope.Steps {
		if scope.Steps[i].ID == id {
			return &scope.Steps[i]
		}
	}
	return nil
}

// newScopeFromRun builds a fresh template.Scope seeded from a run's
// vars/event and the outputs collected so far.
func newScopeFromRun(run *schema.Run, outputs map[string]any, secrets map[string]any, env map[string]any, runsPrevious map[string]any) *template.Scope {
	s := template.NewScope()
	if run.Vars != nil {
		s.Vars = run.Vars
	}
	if run.Event != nil {
		s.Event = run.Event
	}
	if secrets != nil {
		s.Secrets = secrets
	}
	if env != nil {
		s.Env = env
	}
	s.RunsPrevious = runsPrevious
	if outputs != nil {
		s.Outputs = outputs
	}
	return s
}

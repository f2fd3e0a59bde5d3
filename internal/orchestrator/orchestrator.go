// Package orchestrator implements the Step Executor and Run
// Orchestrator (spec.md §4.4-§4.5): driving an ExecutableFlow's steps
// to completion one topological layer at a time, dispatching each
// layer's mutually-independent steps concurrently through a bounded
// worker pool, threading parallel/foreach scopes, suspending the run
// as plain persisted state on await_event/wait steps, and resuming a
// suspended run from that state when its wait is satisfied.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beemflow/flow/internal/logging"
	"github.com/beemflow/flow/internal/store"
	"github.com/beemflow/flow/internal/template"
	"github.com/beemflow/flow/internal/validate"
	"github.com/beemflow/flow/pkg/schema"
)

// runNamespace seeds the deterministic run-id derivation (uuid v5)
// used to dedupe runs for the same flow+triggering event, guarding
// against at-least-once delivery of the same webhook/cron tick
// producing two runs.
var runNamespace = uuid.MustParse("6f1f9b2c-6e5f-4e33-9f2d-6f6f1f9b2c6e")

// NewOrchestrator builds an Orchestrator backed by st for persistence,
// reg for tool resolution, and bus for suspended-run wake-up
// registration. bus may be nil; a suspended run is still persisted
// and can be resumed directly by token without the bus.
func NewOrchestrator(st store.Store, reg ToolResolver, bus EventBus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		registry: reg,
		bus:      bus,
		pool:     NewWorkerPool(DefaultPoolSize),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// layerResult carries one step's outcome back to the layer dispatcher.
type layerResult struct {
	id  string
	err error
}

// Start creates and drives a new run of ef to completion, suspension,
// or failure, returning the Run's final (or paused) record. If opts
// requests deduplication (the default) and an identical flow+event
// already produced a run within the current dedupe window, that run's
// existing record is returned without re-executing the flow.
func (o *Orchestrator) Start(ctx context.Context, ef *validate.ExecutableFlow, event, vars map[string]any, opts ...RunOptions) (*schema.Run, error) {
	ro := DefaultRunOptions
	if len(opts) > 0 {
		ro = opts[0]
	}

	runID := deterministicRunID(ef.Flow.Name, event)
	if ro.Dedupe {
		if existing, err := o.store.GetRun(ctx, runID); err == nil && existing != nil {
			logging.LogWith(logging.WithRunID(ctx, existing.ID), o.logger).Info("run deduplicated", slog.String("flow", ef.Flow.Name))
			return existing, nil
		}
	}

	run := &schema.Run{
		ID:        runID,
		FlowName:  ef.Flow.Name,
		Event:     event,
		Vars:      mergeVars(ef.Flow.Vars, vars),
		Status:    schema.RunPending,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "creating run: %v", err)
	}
	o.updateMetrics(func(m *ExecutionMetrics) {
		m.TotalExecutions++
		m.LastExecutionTime = run.StartedAt
	})
	if err := o.transitionRun(ctx, run, schema.RunRunning, nil); err != nil {
		return run, err
	}
	logging.LogWith(logging.WithRunID(ctx, run.ID), o.logger).Info("run started", slog.String("flow", ef.Flow.Name))

	rs := &runState{run: run, outputs: map[string]any{}}
	scope, err := o.scopeFor(ctx, rs)
	if err != nil {
		return run, err
	}

	execErr := o.execScope(ctx, rs, "steps", ef.Root, scope, 0)
	return o.finalize(ctx, ef, rs, scope, execErr)
}

// Resume rehydrates a paused run from its persisted continuation and
// drives it forward from where it suspended, binding eventPayload
// (nil for a timer wake) as the run's current event.
func (o *Orchestrator) Resume(ctx context.Context, ef *validate.ExecutableFlow, token schema.WaitToken, eventPayload map[string]any) (*schema.Run, error) {
	state, err := o.store.LoadPausedRun(ctx, token)
	if err != nil {
		return nil, err
	}

	run := &schema.Run{
		ID:       state.RunID,
		FlowName: state.FlowName,
		Vars:     state.Vars,
		Event:    state.Event,
		Status:   schema.RunPaused,
	}
	if eventPayload != nil {
		run.Event = eventPayload
	}
	if err := o.transitionRun(ctx, run, schema.RunRunning, nil); err != nil {
		return run, err
	}
	logging.LogWith(logging.WithIDs(ctx, run.ID, state.SuspendedStep, string(token)), o.logger).Info("run resumed")

	rs := &runState{run: run, outputs: map[string]any{}}
	for k, v := range state.Outputs {
		rs.outputs[k] = v
	}

	scope, err := o.scopeFor(ctx, rs)
	if err != nil {
		return run, err
	}
	for _, f := range state.LoopFrames {
		scope = scope.WithLocal(f.As, f.Item).
			WithLocal(f.As+"_index", float64(f.Index)).
			WithLocal(f.As+"_row", float64(f.Index+1))
	}

	execErr := o.resumeScope(ctx, ef, rs, scope, state.Cursors)

	_ = o.store.DeletePausedRun(ctx, token)
	_ = o.store.DeleteWait(ctx, token)

	return o.finalize(ctx, ef, rs, scope, execErr)
}

// scopeFor builds the template.Scope a run's steps evaluate against:
// vars/event from the run, secrets from the configured resolver (or
// empty if none is wired), and env fixed via WithEnvironment or the
// orchestrator's own process environment otherwise.
func (o *Orchestrator) scopeFor(ctx context.Context, rs *runState) (*template.Scope, error) {
	secrets := map[string]any{}
	if o.secrets != nil {
		s, err := o.secrets.Resolve(ctx)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "resolving secrets: %v", err)
		}
		secrets = s
	}
	runsPrevious, err := o.previousRunOutputs(ctx, rs.run.FlowName)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "loading previous run: %v", err)
	}
	return newScopeFromRun(rs.run, rs.outputs, secrets, o.env, runsPrevious), nil
}

// previousRunOutputs backs the `runs.previous` scope (spec.md §4.1): the
// most recent successful prior run of flowName, with its succeeded
// steps' outputs aggregated and keyed by step ID. Returns nil if no
// prior run has succeeded yet.
func (o *Orchestrator) previousRunOutputs(ctx context.Context, flowName string) (map[string]any, error) {
	run, err := o.store.GetLatestSucceededRun(ctx, flowName)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	steps, err := o.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	outputs := map[string]any{}
	for _, step := range steps {
		if step.Status != schema.StepExecSucceeded || len(step.Outputs) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(step.Outputs, &v); err != nil {
			return nil, fmt.Errorf("unmarshal outputs for step %q: %w", step.StepName, err)
		}
		outputs[stepIDFromStepName(step.StepName)] = v
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	return outputs, nil
}

// stepIDFromStepName strips a fully-qualified StepExecution.StepName
// instance path (e.g. "steps/f[0]/e") down to the step's own bare ID
// ("e"), which is always the final "/"-delimited segment.
func stepIDFromStepName(stepName string) string {
	if idx := strings.LastIndex(stepName, "/"); idx >= 0 {
		return stepName[idx+1:]
	}
	return stepName
}

// execScope walks sc's layers starting at startLayer, dispatching each
// layer's steps concurrently.
func (o *Orchestrator) execScope(ctx context.Context, rs *runState, path string, sc *validate.ExecutableScope, scope *template.Scope, startLayer int) error {
	layers := sc.Graph.Layers()
	if startLayer > len(layers) {
		startLayer = len(layers)
	}
	return o.execLayers(ctx, rs, path, sc, scope, layers[startLayer:])
}

// execLayers dispatches an explicit slice of layers (used both for a
// scope's full layer set and for a resumed scope's remaining layers).
func (o *Orchestrator) execLayers(ctx context.Context, rs *runState, path string, sc *validate.ExecutableScope, scope *template.Scope, layers [][]string) error {
	for li, layer := range layers {
		results := make(chan layerResult, len(layer))
		for _, id := range layer {
			id := id
			step := stepByID(sc, id)
			fn := func(stepCtx context.Context) error {
				_, err := o.executeStepByShape(stepCtx, rs, path, sc, step, scope)
				results <- layerResult{id: id, err: err}
				return err
			}
			if submitErr := o.pool.Submit(ctx, fn); submitErr != nil {
				results <- layerResult{id: id, err: submitErr}
			}
		}

		var suspend *suspendSignal
		var failure *schema.FlowError
		for i := 0; i < len(layer); i++ {
			r := <-results
			if r.err == nil {
				continue
			}
			if s, ok := asSuspend(r.err); ok {
				if suspend == nil {
					suspend = s
				}
				continue
			}
			if failure == nil {
				failure = toFlowError(r.err, schema.ErrCodeAdapter, r.id)
			}
		}
		if failure != nil {
			return failure
		}
		if suspend != nil {
			suspend.cursors = append(suspend.cursors, store.Cursor{ScopePath: path, RemainingLayers: layers[li+1:]})
			return suspend
		}
	}
	return nil
}

// executeStepByShape dispatches a single step instance per its shape.
func (o *Orchestrator) executeStepByShape(ctx context.Context, rs *runState, path string, sc *validate.ExecutableScope, step *schema.Step, scope *template.Scope) (map[string]any, error) {
	instanceID := path + "/" + step.ID
	switch step.Shape() {
	case schema.ShapeTool:
		return o.executeToolStep(ctx, rs, instanceID, step, scope)
	case schema.ShapeParallel:
		return o.executeParallelStep(ctx, rs, path, sc, step, scope)
	case schema.ShapeForeach:
		return o.executeForeachStep(ctx, rs, path, sc, step, scope)
	case schema.ShapeAwaitEvent:
		return nil, o.suspendAwaitEvent(rs, path, step, scope)
	case schema.ShapeWait:
		return nil, o.suspendWait(rs, path, step, scope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has invalid shape", instanceID).WithStep(instanceID)
	}
}

// executeParallelStep runs every child step concurrently regardless of
// any depends_on among them: parallel:true overrides layering.
func (o *Orchestrator) executeParallelStep(ctx context.Context, rs *runState, path string, parent *validate.ExecutableScope, step *schema.Step, scope *template.Scope) (map[string]any, error) {
	child := scopeByID(parent, step.ID)
	childPath := path + "/" + step.ID
	results := make(chan layerResult, len(child.Steps))
	for i := range child.Steps {
		s := &child.Steps[i]
		fn := func(stepCtx context.Context) error {
			_, err := o.executeStepByShape(stepCtx, rs, childPath, child, s, scope)
			results <- layerResult{id: s.ID, err: err}
			return err
		}
		if submitErr := o.pool.Submit(ctx, fn); submitErr != nil {
			results <- layerResult{id: s.ID, err: submitErr}
		}
	}

	var suspend *suspendSignal
	var failure *schema.FlowError
	for range child.Steps {
		r := <-results
		if r.err == nil {
			continue
		}
		if s, ok := asSuspend(r.err); ok {
			if suspend == nil {
				suspend = s
			}
			continue
		}
		if failure == nil {
			failure = toFlowError(r.err, schema.ErrCodeAdapter, r.id)
		}
	}
	if failure != nil {
		return nil, failure
	}
	if suspend != nil {
		// By the time every child's result has been collected above,
		// each sibling has already reached success, failure, or (for
		// exactly one, per the single-suspension-per-layer rule) its
		// own suspendSignal carrying a precise continuation cursor for
		// that branch. So this scope's own cursor carries no remaining
		// layers of its own: nothing here needs re-running, only the
		// deeper cursor already pushed for the suspended branch. This
		// cursor's sole job on resume is to let resumeScope compute the
		// parallel step's own aggregate output once that deeper cursor
		// finishes.
		suspend.cursors = append(suspend.cursors, store.Cursor{ScopePath: childPath})
		return nil, suspend
	}

	agg := make(map[string]any, len(child.Steps))
	for i := range child.Steps {
		if v, ok := rs.getOutput(child.Steps[i].ID); ok {
			agg[child.Steps[i].ID] = v
		}
	}
	rs.setOutput(step.ID, agg)
	return agg, nil
}

// executeForeachStep runs step's do-block once per item, sequentially,
// binding `as`/`as_index`/`as_row` as scope locals for each iteration.
func (o *Orchestrator) executeForeachStep(ctx context.Context, rs *runState, path string, parent *validate.ExecutableScope, step *schema.Step, scope *template.Scope) (map[string]any, error) {
	items, err := template.EvaluateIterable(step.Foreach, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "evaluating foreach for %s: %v", step.ID, err).WithStep(step.ID)
	}
	child := scopeByID(parent, step.ID)
	base := path + "/" + step.ID

	collected := make([]any, 0, len(items))
	for idx, item := range items {
		iterScope := scope.WithLocal(step.As, item).
			WithLocal(step.As+"_index", float64(idx)).
			WithLocal(step.As+"_row", float64(idx+1))
		iterPath := fmt.Sprintf("%s[%d]", base, idx)
		if err := o.execScope(ctx, rs, iterPath, child, iterScope, 0); err != nil {
			if s, ok := asSuspend(err); ok {
				s.loopFrames = append(s.loopFrames, store.LoopFrame{StepID: step.ID, As: step.As, Index: idx, Item: item})
				return nil, s
			}
			return nil, err
		}
		collected = append(collected, branchOutputs(rs, child))
	}

	out := map[string]any{"items": collected}
	rs.setOutput(step.ID, out)
	return out, nil
}

// branchOutputs collects the outputs of a child scope's direct steps,
// keyed by step id, for folding into a foreach/parallel step's own
// aggregate output.
func branchOutputs(rs *runState, sc *validate.ExecutableScope) map[string]any {
	out := make(map[string]any, len(sc.Steps))
	for i := range sc.Steps {
		if v, ok := rs.getOutput(sc.Steps[i].ID); ok {
			out[sc.Steps[i].ID] = v
		}
	}
	return out
}

// suspendAwaitEvent mints a wait token and returns the suspendSignal
// that unwinds the scope stack, persisting a WaitRecord keyed by event
// source/match with an optional deadline. match's values are
// template-expanded against the pausing scope now, since the Event Bus
// that later evaluates the match only ever sees the plain persisted
// WaitRecord, never the run's template scope.
func (o *Orchestrator) suspendAwaitEvent(rs *runState, path string, step *schema.Step, scope *template.Scope) error {
	spec := step.AwaitEvent
	match, err := evalWithParams(spec.Match, scope)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTemplate, "evaluating await_event match for %s: %v", step.ID, err).WithStep(step.ID)
	}
	matchMap, _ := match.(map[string]any)
	wait := store.WaitRecord{Token: schema.WaitToken(uuid.NewString()), RunID: rs.run.ID, Source: spec.Source, Match: matchMap}
	if spec.Timeout != "" {
		d, err := time.ParseDuration(spec.Timeout)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid await_event timeout %q: %v", spec.Timeout, err).WithStep(step.ID)
		}
		wait.TimeoutAtMS = time.Now().Add(d).UnixMilli()
	}
	return &suspendSignal{token: wait.Token, wait: wait, suspendedAt: path + "/" + step.ID}
}

// suspendWait mints a wait token for a timer suspension, computing the
// wake time from `seconds` or a template-evaluated `until` timestamp.
func (o *Orchestrator) suspendWait(rs *runState, path string, step *schema.Step, scope *template.Scope) error {
	spec := step.Wait
	wait := store.WaitRecord{Token: schema.WaitToken(uuid.NewString()), RunID: rs.run.ID}
	switch {
	case spec.Seconds > 0:
		wait.WakeAtMS = time.Now().Add(time.Duration(spec.Seconds) * time.Second).UnixMilli()
	case spec.Until != "":
		ts, err := template.EvaluateString(spec.Until, scope)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeTemplate, "evaluating wait.until for %s: %v", step.ID, err).WithStep(step.ID)
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid wait.until timestamp %q: %v", ts, err).WithStep(step.ID)
		}
		wait.WakeAtMS = t.UnixMilli()
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "wait step %s requires seconds or until", step.ID).WithStep(step.ID)
	}
	return &suspendSignal{token: wait.Token, wait: wait, suspendedAt: path + "/" + step.ID}
}

// resumeScope continues execution from a persisted cursor stack,
// innermost level first: each cursor's scope runs its remaining
// layers (a suffix for a plain or foreach-iteration scope, empty for
// a parallel step's own scope since its children already ran to
// completion, failure, or suspension before the cursor was pushed).
// When a cursor's path names a foreach iteration the loop continues
// from the next item; when it names a parallel step's own scope, its
// aggregate output is recomputed from its children's now-final
// outputs. This handles arbitrary nesting (a foreach inside a
// parallel branch, nested foreaches, and so on) since each level is
// resolved purely from its own ScopePath.
func (o *Orchestrator) resumeScope(ctx context.Context, ef *validate.ExecutableFlow, rs *runState, scope *template.Scope, cursors []store.Cursor) error {
	for _, c := range cursors {
		sc, err := scopeAtPath(ef, c.ScopePath)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "resume: %v", err)
		}
		if err := o.execLayers(ctx, rs, c.ScopePath, sc, scope, c.RemainingLayers); err != nil {
			return err
		}

		idx, stepID, isIteration := parseForeachIterationPath(c.ScopePath)
		if !isIteration {
			if parentPath, childID, ok := splitScopePath(c.ScopePath); ok && parentPath != "" {
				if parentScope, err := scopeAtPath(ef, parentPath); err == nil {
					if step := stepByID(parentScope, childID); step != nil && step.Shape() == schema.ShapeParallel {
						rs.setOutput(childID, branchOutputs(rs, sc))
					}
				}
			}
			continue
		}
		parentScope, step, base, found := findForeachStep(ef.Root, "steps", stepID)
		if !found {
			return schema.NewErrorf(schema.ErrCodeStore, "resume: foreach step %q not found", stepID)
		}
		items, err := template.EvaluateIterable(step.Foreach, scope)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeTemplate, "re-evaluating foreach for resume of %s: %v", step.ID, err).WithStep(step.ID)
		}
		child := scopeByID(parentScope, step.ID)
		for next := idx + 1; next < len(items); next++ {
			iterScope := scope.WithLocal(step.As, items[next]).
				WithLocal(step.As+"_index", float64(next)).
				WithLocal(step.As+"_row", float64(next+1))
			iterPath := fmt.Sprintf("%s[%d]", base+"/"+step.ID, next)
			if err := o.execScope(ctx, rs, iterPath, child, iterScope, 0); err != nil {
				if s, ok := asSuspend(err); ok {
					s.loopFrames = append(s.loopFrames, store.LoopFrame{StepID: step.ID, As: step.As, Index: next, Item: items[next]})
					return s
				}
				return err
			}
		}
	}
	return nil
}

// scopeAtPath resolves a dot-free "steps/p/f[2]" style ScopePath back
// to its ExecutableScope by walking Children maps, stripping any
// "[idx]" foreach-iteration suffix from each segment.
func scopeAtPath(ef *validate.ExecutableFlow, path string) (*validate.ExecutableScope, error) {
	segs := strings.Split(path, "/")
	var cur *validate.ExecutableScope
	switch segs[0] {
	case "steps":
		cur = ef.Root
	case "catch":
		cur = ef.Catch
	default:
		return nil, fmt.Errorf("scope path %q: unknown root %q", path, segs[0])
	}
	for _, seg := range segs[1:] {
		id := stripIterationIndex(seg)
		child, ok := cur.Children[id]
		if !ok {
			return nil, fmt.Errorf("scope path %q: no child scope for %q", path, seg)
		}
		cur = child
	}
	return cur, nil
}

// splitScopePath splits a ScopePath into its parent path and final
// (index-stripped) segment, e.g. "steps/p" -> ("steps", "p"). Reports
// ok=false for a bare root path ("steps" or "catch") with no parent.
func splitScopePath(path string) (parentPath, lastSeg string, ok bool) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", "", false
	}
	return path[:i], stripIterationIndex(path[i+1:]), true
}

func stripIterationIndex(seg string) string {
	if i := strings.IndexByte(seg, '['); i >= 0 {
		return seg[:i]
	}
	return seg
}

// parseForeachIterationPath reports whether path's last segment names
// one foreach iteration (e.g. "f[2]"), returning the item index and
// the foreach step's id.
func parseForeachIterationPath(path string) (idx int, stepID string, ok bool) {
	last := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		last = path[i+1:]
	}
	b := strings.IndexByte(last, '[')
	if b < 0 || !strings.HasSuffix(last, "]") {
		return 0, "", false
	}
	n, err := strconv.Atoi(last[b+1 : len(last)-1])
	if err != nil {
		return 0, "", false
	}
	return n, last[:b], true
}

// findForeachStep searches scope and its descendants for a
// foreach-shaped step with the given id, returning its parent scope
// and the path to that parent.
func findForeachStep(scope *validate.ExecutableScope, path, targetID string) (*validate.ExecutableScope, *schema.Step, string, bool) {
	for i := range scope.Steps {
		s := &scope.Steps[i]
		if s.ID == targetID && s.Shape() == schema.ShapeForeach {
			return scope, s, path, true
		}
		if child, ok := scope.Children[s.ID]; ok {
			if ps, step, pp, found := findForeachStep(child, path+"/"+s.ID, targetID); found {
				return ps, step, pp, found
			}
		}
	}
	return nil, nil, "", false
}

// finalize interprets the outcome of driving a run's root scope:
// success transitions to succeeded, a suspendSignal persists the
// continuation and transitions to paused, and any other error runs
// the catch block (if declared) before transitioning to failed.
func (o *Orchestrator) finalize(ctx context.Context, ef *validate.ExecutableFlow, rs *runState, scope *template.Scope, err error) (*schema.Run, error) {
	if err == nil {
		ended := time.Now().UTC()
		if terr := o.transitionRun(ctx, rs.run, schema.RunSucceeded, &ended); terr != nil {
			return rs.run, terr
		}
		o.updateMetrics(func(m *ExecutionMetrics) {
			m.SuccessfulExecutions++
			m.TotalExecutionTime += ended.Sub(rs.run.StartedAt)
			m.AverageExecutionTime = m.TotalExecutionTime / time.Duration(m.SuccessfulExecutions+m.FailedExecutions)
		})
		logging.LogWith(logging.WithRunID(ctx, rs.run.ID), o.logger).Info("run succeeded")
		return rs.run, nil
	}

	if suspend, ok := asSuspend(err); ok {
		state := store.PausedRunState{
			RunID:         rs.run.ID,
			FlowName:      ef.Flow.Name,
			SuspendedStep: suspend.suspendedAt,
			Cursors:       suspend.cursors,
			Outputs:       rs.snapshotOutputs(),
			LoopFrames:    suspend.loopFrames,
			Vars:          rs.run.Vars,
			Event:         rs.run.Event,
		}
		if serr := o.store.SavePausedRun(ctx, suspend.token, state); serr != nil {
			return rs.run, schema.NewErrorf(schema.ErrCodeStore, "saving paused run: %v", serr)
		}
		if werr := o.store.SaveWait(ctx, suspend.wait); werr != nil {
			return rs.run, schema.NewErrorf(schema.ErrCodeStore, "saving wait: %v", werr)
		}
		if o.bus != nil {
			_ = o.bus.RegisterWait(suspend.wait)
		}
		if terr := o.transitionRun(ctx, rs.run, schema.RunPaused, nil); terr != nil {
			return rs.run, terr
		}
		o.updateMetrics(func(m *ExecutionMetrics) { m.PausedExecutions++ })
		logging.LogWith(logging.WithIDs(ctx, rs.run.ID, suspend.suspendedAt, string(suspend.token)), o.logger).Info("run suspended")
		return rs.run, nil
	}

	return o.runCatch(ctx, ef, rs, scope, toFlowError(err, schema.ErrCodeAdapter, ""))
}

// runCatch executes the flow's catch block (if any) with `error` bound
// to the triggering failure, then transitions the run to failed
// regardless of the catch block's own outcome: catch is for cleanup
// and notification, not recovery, per the retry -> catch -> terminal
// failed propagation order.
func (o *Orchestrator) runCatch(ctx context.Context, ef *validate.ExecutableFlow, rs *runState, scope *template.Scope, ferr *schema.FlowError) (*schema.Run, error) {
	log := logging.LogWith(logging.WithRunID(ctx, rs.run.ID), o.logger)
	log.Error("run failed", slog.String("error", ferr.Message), slog.String("code", ferr.Code), slog.String("step", ferr.StepID))
	if ef.Catch != nil {
		if terr := o.transitionRun(ctx, rs.run, schema.RunCatching, nil); terr != nil {
			return rs.run, terr
		}
		log.Info("catch block invoked")
		errScope := scope.WithLocal("error", stepErrorToMap(ferr.AsStepError()))
		_ = o.execScope(ctx, rs, "catch", ef.Catch, errScope, 0)
	}
	ended := time.Now().UTC()
	if terr := o.transitionRun(ctx, rs.run, schema.RunFailed, &ended); terr != nil {
		return rs.run, terr
	}
	o.updateMetrics(func(m *ExecutionMetrics) {
		m.FailedExecutions++
		m.TotalExecutionTime += ended.Sub(rs.run.StartedAt)
		m.AverageExecutionTime = m.TotalExecutionTime / time.Duration(m.SuccessfulExecutions+m.FailedExecutions)
	})
	return rs.run, ferr
}

// transitionRun validates and persists a run status change.
func (o *Orchestrator) transitionRun(ctx context.Context, run *schema.Run, to schema.RunStatus, endedAt *time.Time) error {
	if !validRunTransition(run.Status, to) {
		return transitionErr("run", string(run.Status), string(to))
	}
	if err := o.store.UpdateRunStatus(ctx, run.ID, to, endedAt); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "updating run status: %v", err)
	}
	run.Status = to
	run.EndedAt = endedAt
	return nil
}

// stepErrorToMap converts a StepError to the plain map[string]any shape
// the Template Evaluator's field access understands (it resolves
// map[string]any/reflect.Map targets only, not struct fields), so
// `{{ error.step_id }}` inside a catch block works the same way any
// other scope binding does.
func stepErrorToMap(se *schema.StepError) map[string]any {
	b, _ := json.Marshal(se)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// mergeVars layers run-time vars over the flow's declared defaults.
func mergeVars(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// dedupeWindow is the truncation granularity deterministicRunID
// buckets the current time into, bounding how long an identical
// flow+event redelivery dedupes onto the same run id before a fresh
// one is minted.
const dedupeWindow = time.Minute

// deterministicRunID derives a uuid v5 from the flow name, a canonical
// encoding of the triggering event, and the current time truncated to
// dedupeWindow, so redelivering the same event within that window
// (webhook retries, a cron tick replayed after a crash) dedupes onto
// the same run id instead of minting a second run, while the same
// flow+event pair is still free to run again once the window passes.
func deterministicRunID(flowName string, event map[string]any) string {
	data := []byte(flowName)
	timeBucket := time.Now().UTC().Truncate(dedupeWindow).Unix()
	data = append(data, []byte(fmt.Sprintf(":%d", timeBucket))...)
	if event != nil {
		if b, err := json.Marshal(event); err == nil {
			data = append(data, b...)
		}
	}
	return uuid.NewSHA1(runNamespace, data).String()
}

package store

import "github.com/beemflow/flow/pkg/schema"

// PausedRunState is the plain-data continuation persisted when a run
// suspends: a cursor into the step graph, the outputs collected so
// far, and the loop-frame stack. Never a stack-captured closure, per
// Design Notes §9 — every resumption is a fresh traversal driven by
// this struct, not a resumed goroutine.
type PausedRunState struct {
	RunID         string         `json:"run_id"`
	FlowName      string         `json:"flow_name"`
	SuspendedStep string         `json:"suspended_step"`
	Cursors       []Cursor       `json:"cursors"`
	Outputs       map[string]any `json:"outputs"`
	LoopFrames    []LoopFrame    `json:"loop_frames,omitempty"`
	Vars          map[string]any `json:"vars,omitempty"`
	Event         map[string]any `json:"event,omitempty"`
}

// Cursor identifies one nesting level of where in the step graph a run
// suspended: the scope path (e.g. "steps" or "steps/f[2]") and the
// remaining topological layers in that scope still to execute once the
// suspended child scope completes. PausedRunState.Cursors holds one
// Cursor per nesting level, innermost first (the directly-suspended
// scope's cursor, then each enclosing parallel/foreach frame's on the
// way out), so a suspension inside a foreach nested in a parallel step
// can unwind correctly on resume.
type Cursor struct {
	ScopePath       string     `json:"scope_path"`
	RemainingLayers [][]string `json:"remaining_layers"`
}

// LoopFrame records one level of foreach nesting so a resumed run can
// rebuild loop locals without re-evaluating the foreach expression.
type LoopFrame struct {
	StepID string `json:"step_id"`
	As     string `json:"as"`
	Index  int    `json:"index"`
	Item   any    `json:"item"`
}

// WaitRecord is a pending wake-up: a timer wait has WakeAtMS set and
// no Source; an event wait has Source/Match set and an optional
// TimeoutAtMS.
type WaitRecord struct {
	Token       schema.WaitToken `json:"token"`
	RunID       string           `json:"run_id"`
	WakeAtMS    int64            `json:"wake_at_ms,omitempty"`
	Source      string           `json:"source,omitempty"`
	Match       map[string]any   `json:"match,omitempty"`
	TimeoutAtMS int64            `json:"timeout_at_ms,omitempty"`
}

// FlowVersion pairs a flow document's raw content with the version
// string it was saved under.
type FlowVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Content []byte `json:"content"`
}

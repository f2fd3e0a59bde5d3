package template

// Scope holds every named value a flow's templates and conditions may
// reference: vars, env, secrets, the triggering event, prior step
// outputs, the previous successful run's outputs, and any loop locals
// bound by an enclosing foreach (`as`, `as_index`, `as_row`).
//
// Loop locals are bound as flat top-level identifiers under the
// author-chosen `as:` name rather than namespaced under a fixed
// "loop" key, matching the directly-addressable `<as>`/`<as>_index`/
// `<as>_row` identifiers spec.md's template grammar requires.
type Scope struct {
	Vars    map[string]any
	Env     map[string]any
	Secrets map[string]any
	Event   map[string]any
	Outputs map[string]any

	// RunsPrevious holds the previous successful run's step outputs,
	// keyed by step id. Nil if there was no previous successful run.
	RunsPrevious map[string]any

	// Locals holds loop-bound identifiers (as/as_index/as_row) from
	// enclosing foreach steps. Inner loops shadow outer ones.
	Locals map[string]any
}

// NewScope builds an empty Scope with initialized maps so lookups
// never have to nil-check.
func NewScope() *Scope {
	return &Scope{
		Vars:    map[string]any{},
		Env:     map[string]any{},
		Secrets: map[string]any{},
		Event:   map[string]any{},
		Outputs: map[string]any{},
		Locals:  map[string]any{},
	}
}

// WithLocal returns a shallow copy of the scope with an additional
// (or shadowing) loop local bound. The original scope is untouched,
// so sibling loop iterations and outer scopes never see each other's
// locals.
func (s *Scope) WithLocal(name string, value any) *Scope {
	next := &Scope{
		Vars:         s.Vars,
		Env:          s.Env,
		Secrets:      s.Secrets,
		Event:        s.Event,
		Outputs:      s.Outputs,
		RunsPrevious: s.RunsPrevious,
		Locals:       make(map[string]any, len(s.Locals)+1),
	}
	for k, v := range s.Locals {
		next.Locals[k] = v
	}
	next.Locals[name] = value
	return next
}

// Bindings flattens the scope into a single map[string]any suitable
// for feeding to the expression evaluator: fixed namespaces
// (vars/env/secrets/event/outputs/runs) plus any loop locals, which
// take precedence over the fixed namespaces since a flow author's
// `as:` identifier could otherwise collide with one.
func (s *Scope) Bindings() map[string]any {
	b := map[string]any{
		"vars":    s.Vars,
		"env":     s.Env,
		"secrets": s.Secrets,
		"event":   s.Event,
		"outputs": s.Outputs,
	}
	if s.RunsPrevious != nil {
		b["runs"] = map[string]any{"previous": map[string]any{"outputs": s.RunsPrevious}}
	} else {
		b["runs"] = map[string]any{"previous": nil}
	}
	for k, v := range s.Locals {
		b[k] = v
	}
	return b
}

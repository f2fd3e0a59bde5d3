// Package eventbus implements the Event Bus (spec.md §4.7): external
// components publish (source, payload) events, the bus matches them
// against runs paused on that source, and a poll loop wakes runs whose
// timer wait has come due or whose event wait timed out unmatched.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beemflow/flow/internal/store"
	"github.com/beemflow/flow/internal/validate"
	"github.com/beemflow/flow/pkg/schema"
)

// Resumer is the subset of the Run Orchestrator the bus drives once a
// wait is satisfied or times out.
type Resumer interface {
	Resume(ctx context.Context, ef *validate.ExecutableFlow, token schema.WaitToken, eventPayload map[string]any) (*schema.Run, error)
}

// Gateway is the subset of the Persistence Gateway the bus needs:
// scanning for due waits and loading the flow document a paused run
// belongs to (WaitRecord carries no flow name, only PausedRunState does).
type Gateway interface {
	ListWaitsDue(ctx context.Context, nowEpochMS int64) ([]store.WaitRecord, error)
	LoadPausedRun(ctx context.Context, token schema.WaitToken) (store.PausedRunState, error)
	LoadFlow(ctx context.Context, name string) ([]byte, error)
}

const defaultPollInterval = time.Second

// Bus is the Event Bus. RegisterWait (called by the orchestrator right
// after it persists a suspension) indexes the wait in memory for
// immediate matching on Publish; a background poll loop covers timer
// wake-ups and timed-out event waits, which Publish alone can't catch.
type Bus struct {
	gateway Gateway
	resumer Resumer
	logger  *slog.Logger

	pollInterval time.Duration

	mu       sync.Mutex
	bySource map[string][]store.WaitRecord  // event waits awaiting Publish, keyed by Source
	inflight map[schema.WaitToken]struct{}  // tokens currently being resumed, guards double-wake

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithPollInterval overrides the default 1s poll interval used to scan
// ListWaitsDue for timer and timeout wake-ups.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) { b.pollInterval = d }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// NewBus builds a Bus. gateway and resumer are required; the bus is
// inert (RegisterWait still works, but nothing wakes) until Start is
// called.
func NewBus(gateway Gateway, resumer Resumer, opts ...Option) *Bus {
	b := &Bus{
		gateway:      gateway,
		resumer:      resumer,
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
		bySource:     make(map[string][]store.WaitRecord),
		inflight:     make(map[schema.WaitToken]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterWait implements orchestrator.EventBus. A pure timer wait
// (no Source) is ignored here; it's only ever woken by the poll loop.
func (b *Bus) RegisterWait(wait store.WaitRecord) error {
	if wait.Source == "" {
		return nil
	}
	b.mu.Lock()
	b.bySource[wait.Source] = append(b.bySource[wait.Source], wait)
	b.mu.Unlock()
	return nil
}

// Publish delivers an externally-sourced event to the first paused run
// registered on source whose match predicate is satisfied and resumes
// it; other matching waits stay registered. Predicate matching is a plain
// equality check: each key in a wait's Match must equal the same key
// in payload, since Match was already template-expanded against the
// pausing run's scope at suspend time.
func (b *Bus) Publish(ctx context.Context, source string, payload map[string]any) error {
	wait, ok := b.claimMatch(source, payload)
	if !ok {
		return nil
	}
	return b.wake(ctx, wait, payload)
}

// claimMatch finds and removes the first registered wait on source
// whose Match is satisfied by payload, also marking its token inflight
// so a concurrent poll-loop tick can't wake it a second time.
func (b *Bus) claimMatch(source string, payload map[string]any) (store.WaitRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	waits := b.bySource[source]
	for i, w := range waits {
		if _, busy := b.inflight[w.Token]; busy {
			continue
		}
		if !matches(w.Match, payload) {
			continue
		}
		b.bySource[source] = append(waits[:i:i], waits[i+1:]...)
		b.inflight[w.Token] = struct{}{}
		return w, true
	}
	return store.WaitRecord{}, false
}

// matches reports whether every key in match equals the same-path
// value in payload. An empty or nil match is satisfied by any payload.
func matches(match, payload map[string]any) bool {
	for k, want := range match {
		got, ok := payload[k]
		if !ok || !equalValue(got, want) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// wake loads the paused run's flow and resumes it, clearing the
// inflight marker whether or not the resume succeeds.
func (b *Bus) wake(ctx context.Context, wait store.WaitRecord, payload map[string]any) error {
	defer b.clearInflight(wait.Token)

	ef, err := b.loadFlowForToken(ctx, wait.Token)
	if err != nil {
		b.logger.Error("eventbus: resolving flow for wait", slog.String("token", string(wait.Token)), slog.String("error", err.Error()))
		return err
	}
	if _, err := b.resumer.Resume(ctx, ef, wait.Token, payload); err != nil {
		b.logger.Error("eventbus: resuming run", slog.String("token", string(wait.Token)), slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (b *Bus) clearInflight(token schema.WaitToken) {
	b.mu.Lock()
	delete(b.inflight, token)
	b.mu.Unlock()
}

func (b *Bus) loadFlowForToken(ctx context.Context, token schema.WaitToken) (*validate.ExecutableFlow, error) {
	state, err := b.gateway.LoadPausedRun(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("loading paused run: %w", err)
	}
	content, err := b.gateway.LoadFlow(ctx, state.FlowName)
	if err != nil {
		return nil, fmt.Errorf("loading flow %q: %w", state.FlowName, err)
	}
	return parseFlow(content)
}

// parseFlow decodes a stored flow document as YAML, falling back to
// JSON; save_flow doesn't record which format its caller used.
func parseFlow(content []byte) (*validate.ExecutableFlow, error) {
	if ef, err := validate.ParseYAML(content); err == nil {
		return ef, nil
	}
	return validate.ParseJSON(content)
}

// Start launches the background poll loop that scans ListWaitsDue for
// timer and timed-out event waits. Safe to call once; a second call
// returns an error.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.done != nil {
		b.mu.Unlock()
		return fmt.Errorf("eventbus: already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	done := make(chan struct{})
	b.done = done
	b.mu.Unlock()

	go b.loop(loopCtx, done)
	b.logger.Info("eventbus poll loop started", slog.Duration("interval", b.pollInterval))
	return nil
}

// Stop halts the poll loop and waits for its current tick to finish.
func (b *Bus) Stop() error {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.done = nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (b *Bus) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

// tick resumes every wait whose wake-at or timeout has passed. A wait
// with Source set and TimeoutAtMS due is an unmatched event wait: it
// wakes with an event.timeout flag and a synthetic error binding
// rather than nil, per spec.md §4.7. A wait with no Source is a plain
// timer wait and wakes with a nil event payload.
func (b *Bus) tick(ctx context.Context) {
	now := time.Now().UnixMilli()
	due, err := b.gateway.ListWaitsDue(ctx, now)
	if err != nil {
		b.logger.Error("eventbus: listing due waits", slog.String("error", err.Error()))
		return
	}
	for _, w := range due {
		if !b.tryClaimForPoll(w.Token) {
			continue
		}
		b.removeFromIndex(w)
		payload := timeoutPayload(w, now)
		if err := b.wake(ctx, w, payload); err != nil {
			b.logger.Error("eventbus: waking due wait", slog.String("token", string(w.Token)), slog.String("error", err.Error()))
		}
	}
}

// timeoutPayload returns nil for a plain timer wake, or the
// event.timeout synthetic binding for an event wait whose deadline
// elapsed without a matching Publish.
func timeoutPayload(w store.WaitRecord, now int64) map[string]any {
	if w.Source == "" {
		return nil
	}
	if w.TimeoutAtMS == 0 || w.TimeoutAtMS > now {
		return nil
	}
	return map[string]any{
		"timeout": true,
		"error": map[string]any{
			"type":    string(schema.ErrCodeTimeout),
			"message": fmt.Sprintf("await_event on %q timed out waiting for a match", w.Source),
		},
	}
}

func (b *Bus) tryClaimForPoll(token schema.WaitToken) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.inflight[token]; busy {
		return false
	}
	b.inflight[token] = struct{}{}
	return true
}

// removeFromIndex drops w from the in-memory source index once the
// poll loop has claimed it, so a subsequent Publish on the same source
// can't also claim it.
func (b *Bus) removeFromIndex(w store.WaitRecord) {
	if w.Source == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	waits := b.bySource[w.Source]
	for i, existing := range waits {
		if existing.Token == w.Token {
			b.bySource[w.Source] = append(waits[:i:i], waits[i+1:]...)
			break
		}
	}
}

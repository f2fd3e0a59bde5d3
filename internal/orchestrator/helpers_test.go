package orchestrator

import (
	"context"
	"sync"

	"github.com/beemflow/flow/internal/registry"
	"github.com/beemflow/flow/internal/store"
)

// mockAdapter is a test double for registry.Adapter: invokeFn controls
// its behavior, and calls records every invocation's params for
// assertions.
type mockAdapter struct {
	name      string
	invokeFn  func(ctx context.Context, params map[string]any) (map[string]any, error)
	validate  func(params map[string]any) error
	mu        sync.Mutex
	callCount int
	calls     []map[string]any
}

func (a *mockAdapter) Name() string { return a.name }

func (a *mockAdapter) Validate(params map[string]any) error {
	if a.validate != nil {
		return a.validate(params)
	}
	return nil
}

func (a *mockAdapter) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	a.mu.Lock()
	a.callCount++
	a.calls = append(a.calls, params)
	a.mu.Unlock()
	if a.invokeFn != nil {
		return a.invokeFn(ctx, params)
	}
	return map[string]any{"ok": true}, nil
}

func (a *mockAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callCount
}

// mockResolver is a test double for ToolResolver, backed by a plain
// name-to-adapter map.
type mockResolver struct {
	mu       sync.Mutex
	adapters map[string]registry.Adapter
}

func newMockResolver(adapters ...*mockAdapter) *mockResolver {
	m := &mockResolver{adapters: make(map[string]registry.Adapter)}
	for _, a := range adapters {
		m.adapters[a.name] = a
	}
	return m
}

func (m *mockResolver) Resolve(name string) (registry.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[name]
	if !ok {
		return nil, errAdapterNotFound(name)
	}
	return a, nil
}

type adapterNotFoundError struct{ name string }

func (e *adapterNotFoundError) Error() string { return "adapter not found: " + e.name }

func errAdapterNotFound(name string) error { return &adapterNotFoundError{name: name} }

// mockBus records every wait registered with it.
type mockBus struct {
	mu    sync.Mutex
	waits []store.WaitRecord
}

func (b *mockBus) RegisterWait(wait store.WaitRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waits = append(b.waits, wait)
	return nil
}

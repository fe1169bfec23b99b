package engine

import (
	"context"
	"sync"

	"github.com/hanmaum/graphbatch/internal/cachemeta"
	"github.com/hanmaum/graphbatch/internal/render"
	"github.com/hanmaum/graphbatch/internal/services"
)

// MockExecute produces the result for one query in tests.
type MockExecute func(ctx context.Context, variables map[string]any) (*Result, error)

// NewMockValueExecute returns a MockExecute that always returns data,
// bubbling md into the active render scope first.
func NewMockValueExecute(data any, md cachemeta.Metadata) MockExecute {
	return func(ctx context.Context, variables map[string]any) (*Result, error) {
		render.Bubble(ctx, md)
		return &Result{Data: data}, nil
	}
}

// MockCall records a single Execute invocation.
type MockCall struct {
	Query     string
	Variables map[string]any
}

// MockEngine implements Engine with a query-keyed result registry and a
// call log.
type MockEngine struct {
	mu       sync.Mutex
	byQuery  map[string]MockExecute
	fallback MockExecute
	calls    []MockCall
}

// NewMockEngine creates a MockEngine. The map keys are exact query
// strings; unmatched queries hit the fallback, which defaults to an
// errors-only result.
func NewMockEngine(byQuery map[string]MockExecute) *MockEngine {
	if byQuery == nil {
		byQuery = map[string]MockExecute{}
	}
	return &MockEngine{
		byQuery: byQuery,
		fallback: func(ctx context.Context, variables map[string]any) (*Result, error) {
			return ErrorResult("mock: unexpected query"), nil
		},
	}
}

// SetResult registers fn for query.
func (m *MockEngine) SetResult(query string, fn MockExecute) {
	m.mu.Lock()
	m.byQuery[query] = fn
	m.mu.Unlock()
}

// SetFallback replaces the handler for unregistered queries.
func (m *MockEngine) SetFallback(fn MockExecute) {
	m.mu.Lock()
	m.fallback = fn
	m.mu.Unlock()
}

// Calls returns a copy of the call log.
func (m *MockEngine) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

func (m *MockEngine) Execute(ctx context.Context, query string, variables map[string]any, svcs *services.Registry) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Query: query, Variables: variables})
	fn, ok := m.byQuery[query]
	if !ok {
		fn = m.fallback
	}
	m.mu.Unlock()
	return fn(ctx, variables)
}

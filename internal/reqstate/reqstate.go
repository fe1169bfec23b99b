// Package reqstate carries per-request identity and state through a
// context: a random request ID for correlating events, and a small
// attribute bag used as a documented escape hatch (e.g. the processor
// exposing its execution for audit consumers).
package reqstate

import (
	"context"
	"math/rand"
	"sync"
)

type idKey struct{}
type stateKey struct{}

// State is a request-scoped attribute bag. Safe for concurrent use.
type State struct {
	mu    sync.RWMutex
	attrs map[string]any
}

// NewContext returns a copy of parent carrying a fresh request ID and an
// empty state bag, plus the generated ID.
func NewContext(parent context.Context) (context.Context, int64) {
	id := rand.Int63()
	ctx := context.WithValue(parent, idKey{}, id)
	ctx = context.WithValue(ctx, stateKey{}, &State{attrs: map[string]any{}})
	return ctx, id
}

// ID extracts the request ID from ctx.
func ID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(idKey{}).(int64)
	return id, ok
}

// FromContext extracts the state bag from ctx.
func FromContext(ctx context.Context) (*State, bool) {
	s, ok := ctx.Value(stateKey{}).(*State)
	return s, ok
}

// Set stores v under key, replacing any previous value.
func (s *State) Set(key string, v any) {
	s.mu.Lock()
	s.attrs[key] = v
	s.mu.Unlock()
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Package render scopes cache metadata raised as a side effect of field
// resolution. Each execution gets its own scope; metadata bubbled by
// resolvers lands in the active scope and never leaks into the caller's
// ambient context or a sibling execution.
package render

import (
	"context"
	"sync"

	"github.com/hanmaum/graphbatch/internal/cachemeta"
)

type scopeKey struct{}

// Scope collects metadata bubbled during one execution. Safe for
// concurrent use; engines may resolve fields in parallel.
type Scope struct {
	mu sync.Mutex
	md cachemeta.Metadata
}

// WithScope returns a copy of ctx carrying a fresh scope, shadowing any
// scope already present.
func WithScope(ctx context.Context) (context.Context, *Scope) {
	s := &Scope{md: cachemeta.New()}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// Bubble merges md into the scope carried by ctx. It reports whether a
// scope was present; bubbling outside any scope is a no-op.
func Bubble(ctx context.Context, md cachemeta.Metadata) bool {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.md = cachemeta.Merge(s.md, md)
	s.mu.Unlock()
	return true
}

// Collected returns everything bubbled into the scope so far.
func (s *Scope) Collected() cachemeta.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md
}

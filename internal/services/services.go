// Package services holds the immutable registry of handles injected into
// every execution. The registry is built once at startup and shared
// read-only across concurrent executions; resolvers look handles up by
// name and treat them as opaque.
package services

import (
	"fmt"
	"sort"
)

// Registry maps service names to opaque handles.
type Registry struct {
	handles map[string]any
}

// New builds a registry from handles. The input map is copied, so later
// mutation by the caller does not affect the registry.
func New(handles map[string]any) *Registry {
	copied := make(map[string]any, len(handles))
	for k, v := range handles {
		copied[k] = v
	}
	return &Registry{handles: copied}
}

// Get returns the handle registered under name. A missing service is an
// infrastructure error, not an engine-level one.
func (r *Registry) Get(name string) (any, error) {
	h, ok := r.handles[name]
	if !ok {
		return nil, fmt.Errorf("service %q not registered", name)
	}
	return h, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.handles[name]
	return ok
}

// Names lists the registered service names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handles))
	for k := range r.handles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

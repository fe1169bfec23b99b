// Package cachemeta models the cacheability of a GraphQL response: a
// max-age, a set of invalidation tags, and a set of cache contexts.
// Values are immutable; combining two of them never produces a policy
// looser than either input.
package cachemeta

import "sort"

// Permanent is the weakest max-age: cacheable indefinitely absent an
// explicit invalidation.
const Permanent int64 = -1

// Metadata is one response's cache policy. The zero value is NOT valid;
// use New.
type Metadata struct {
	maxAge   int64
	tags     map[string]struct{}
	contexts map[string]struct{}
}

// Cacheable is the capability of exposing cache metadata. Executions and
// composite responses satisfy it, so callers can fold either into an
// aggregate policy.
type Cacheable interface {
	CacheMetadata() Metadata
}

// New returns the identity metadata: Permanent max-age, no tags, no contexts.
// Merge(New(), x) == x for all x.
func New() Metadata {
	return Metadata{maxAge: Permanent}
}

// MaxAge reports the policy's max-age in seconds, or Permanent.
func (m Metadata) MaxAge() int64 { return m.maxAge }

// Tags returns the invalidation tags in sorted order.
func (m Metadata) Tags() []string { return sorted(m.tags) }

// Contexts returns the cache contexts in sorted order.
func (m Metadata) Contexts() []string { return sorted(m.contexts) }

// CacheMetadata makes Metadata satisfy Cacheable.
func (m Metadata) CacheMetadata() Metadata { return m }

// WithMaxAge returns a copy of m whose max-age is age. Tags and contexts
// are preserved.
func (m Metadata) WithMaxAge(age int64) Metadata {
	m.maxAge = age
	return m
}

// WithTags returns a copy of m with tags added.
func (m Metadata) WithTags(tags ...string) Metadata {
	m.tags = union(m.tags, tags...)
	return m
}

// WithContexts returns a copy of m with contexts added.
func (m Metadata) WithContexts(contexts ...string) Metadata {
	m.contexts = union(m.contexts, contexts...)
	return m
}

// Merge combines two policies into the most permissive policy that is no
// looser than either input: the smaller max-age wins (Permanent compares
// as infinite) and the tag and context sets are unioned. Merge is
// associative and commutative and does not mutate its inputs.
func Merge(a, b Metadata) Metadata {
	out := Metadata{maxAge: minAge(a.maxAge, b.maxAge)}
	out.tags = union(union(nil, sorted(a.tags)...), sorted(b.tags)...)
	out.contexts = union(union(nil, sorted(a.contexts)...), sorted(b.contexts)...)
	return out
}

func minAge(a, b int64) int64 {
	if a == Permanent {
		return b
	}
	if b == Permanent {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func union(base map[string]struct{}, add ...string) map[string]struct{} {
	if len(add) == 0 {
		return base
	}
	out := make(map[string]struct{}, len(base)+len(add))
	for k := range base {
		out[k] = struct{}{}
	}
	for _, k := range add {
		if k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

func sorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package registry

import (
	"sort"

	"pushrelay/pkg/types"
)

// ScopedMap is a two-level map keyed by scope then name.
// Iteration follows types.Scopes order and sorted names within a scope.
type ScopedMap[V any] struct {
	scopes map[types.Scope]map[string]V
}

// NewScopedMap returns an empty map.
func NewScopedMap[V any]() *ScopedMap[V] {
	return &ScopedMap[V]{scopes: make(map[types.Scope]map[string]V)}
}

// Get returns the value at (scope, name).
func (s *ScopedMap[V]) Get(scope types.Scope, name string) (V, bool) {
	v, ok := s.scopes[scope][name]
	return v, ok
}

// Set stores v at (scope, name).
func (s *ScopedMap[V]) Set(scope types.Scope, name string, v V) {
	m, ok := s.scopes[scope]
	if !ok {
		m = make(map[string]V)
		s.scopes[scope] = m
	}
	m[name] = v
}

// Delete removes (scope, name) and drops empty scopes.
func (s *ScopedMap[V]) Delete(scope types.Scope, name string) {
	m, ok := s.scopes[scope]
	if !ok {
		return
	}
	delete(m, name)
	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	if len(m) == 0 {
		delete(s.scopes, scope)
	}
}

// Len returns the number of entries across all scopes.
func (s *ScopedMap[V]) Len() int {
	n := 0
	for _, m := range s.scopes {
		n += len(m)
	}
	return n
}

// LenScope returns the number of entries in scope.
func (s *ScopedMap[V]) LenScope(scope types.Scope) int {
	return len(s.scopes[scope])
}

// Range calls fn for each entry in the given scopes, or all scopes when
// none are given. Iteration stops when fn returns false.
func (s *ScopedMap[V]) Range(fn func(scope types.Scope, name string, v V) bool, scopes ...types.Scope) {
	if len(scopes) == 0 {
		scopes = types.Scopes
	}
	for _, scope := range scopes {
		m := s.scopes[scope]
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !fn(scope, name, m[name]) {
				return
			}
		}
	}
}

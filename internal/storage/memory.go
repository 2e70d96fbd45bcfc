package storage

import (
	"context"
	"sync"

	"pushrelay/pkg/interfaces"
)

// MemoryStore keeps encoded values in process memory. Nothing survives a
// restart; it serves tests and ephemeral deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, scope, key string, dst any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, interfaces.ErrStoreClosed
	}
	raw, ok := s.values[scope][key]
	if !ok {
		return false, nil
	}
	return true, decode(scope, key, raw, dst)
}

func (s *MemoryStore) Set(_ context.Context, scope, key string, value any, _ bool) error {
	raw, err := encode(scope, key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	if s.values[scope] == nil {
		s.values[scope] = make(map[string][]byte)
	}
	s.values[scope][key] = raw
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

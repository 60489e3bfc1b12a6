package state

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store, mainly for tests.
type MemStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]*Record
}

func NewMemStore() *MemStore {
	return &MemStore{
		scopes: make(map[string]map[string]*Record),
	}
}

func (s *MemStore) Get(ctx context.Context, scopePath, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.scopes[scopePath][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemStore) Put(ctx context.Context, scopePath, id string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope, ok := s.scopes[scopePath]
	if !ok {
		scope = make(map[string]*Record)
		s.scopes[scopePath] = scope
	}
	cp := *rec
	scope[id] = &cp
	return nil
}

func (s *MemStore) Delete(ctx context.Context, scopePath, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.scopes[scopePath], id)
	return nil
}

func (s *MemStore) ScopePaths(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	for p, recs := range s.scopes {
		if len(recs) == 0 {
			continue
		}
		if matchesScopePrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func matchesScopePrefix(scopePath, prefix string) bool {
	return prefix == "" || scopePath == prefix || strings.HasPrefix(scopePath, prefix+"/")
}

func (s *MemStore) List(ctx context.Context, scopePath string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.scopes[scopePath]))
	for id := range s.scopes[scopePath] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

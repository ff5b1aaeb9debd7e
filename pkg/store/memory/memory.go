// Package memory is a ValueStore kept in process memory.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/marmos91/pvaserver/pkg/store"
)

type MemoryValueStore struct {
	mu      sync.RWMutex
	records map[string]*store.Record
}

func NewMemoryValueStore() *MemoryValueStore {
	return &MemoryValueStore{records: make(map[string]*store.Record)}
}

func clone(rec *store.Record) *store.Record {
	c := *rec
	c.Type = slices.Clone(rec.Type)
	c.Value = slices.Clone(rec.Value)
	return &c
}

func (s *MemoryValueStore) Get(ctx context.Context, name string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(rec), nil
}

func (s *MemoryValueStore) Put(ctx context.Context, rec *store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Name] = clone(rec)
	return nil
}

func (s *MemoryValueStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return store.ErrNotFound
	}
	delete(s.records, name)
	return nil
}

func (s *MemoryValueStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *MemoryValueStore) Close() error { return nil }

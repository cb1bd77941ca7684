package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store in memory. Thread-safe via RWMutex.
// Intended for tests and single-process development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	// Copy value so callers cannot mutate stored state.
	out := Record{Key: rec.Key, Value: append([]byte(nil), rec.Value...), Rev: rec.Rev}
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, rev int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[key]
	switch {
	case rev == 0 && exists:
		return 0, ErrRevisionMismatch
	case rev != 0 && (!exists || current.Rev != rev):
		return 0, ErrRevisionMismatch
	}

	newRev := rev + 1
	s.records[key] = Record{Key: key, Value: append([]byte(nil), value...), Rev: newRev}
	return newRev, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string, rev int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[key]
	if !exists {
		return ErrNotFound
	}
	if current.Rev != rev {
		return ErrRevisionMismatch
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for k, rec := range s.records {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Record{Key: k, Value: append([]byte(nil), rec.Value...), Rev: rec.Rev})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

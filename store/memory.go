package store

import (
	"context"
	"sync"
)

// Memory implements Backend using local memory. A single mutex guards every
// operation, so the predicate check and the mutation are trivially atomic.
// It backs single-process use and the protocol's tests; it offers no
// cross-process visibility.
type Memory struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMemory returns a new in-memory backend.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]Record)}
}

// Insert implements Backend.Insert.
func (m *Memory) Insert(ctx context.Context, rec Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.Key]; ok {
		return ErrDuplicateKey
	}
	m.recs[rec.Key] = rec
	return nil
}

// Update implements Backend.Update.
func (m *Memory) Update(ctx context.Context, f Filter, mut Mutation) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[f.Key]
	if !ok || !f.Matches(rec) {
		return 0, nil
	}
	m.recs[f.Key] = mut.Apply(rec)
	return 1, nil
}

// FindOne implements Backend.FindOne.
func (m *Memory) FindOne(ctx context.Context, f Filter) (*Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[f.Key]
	if !ok || !f.Matches(rec) {
		return nil, nil
	}
	out := rec
	return &out, nil
}

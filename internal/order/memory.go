package order

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-memory Store. Reads return copies so callers mutate
// their own snapshot until they Save it.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[int64]*Order
	keys  map[string]int64
	saves atomic.Int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[int64]*Order),
		keys: make(map[string]int64),
	}
}

// Add seeds the store with an order, replacing any order with the same id.
func (s *MemoryStore) Add(o *Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := o.Clone()
	c.MarkClean()
	s.byID[c.ID] = c
	s.keys[c.Key] = c.ID
}

// GetByKey fetches an order by its key.
func (s *MemoryStore) GetByKey(_ context.Context, key string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[key]
	if !ok {
		return nil, fmt.Errorf("order key %q: %w", key, ErrNotFound)
	}
	return s.byID[id].Clone(), nil
}

// GetByID fetches an order by its numeric id.
func (s *MemoryStore) GetByID(_ context.Context, id int64) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("order id %d: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

// Save stores the order.
func (s *MemoryStore) Save(_ context.Context, o *Order) error {
	if o == nil {
		return fmt.Errorf("order cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[o.ID]; !ok {
		return fmt.Errorf("order id %d: %w", o.ID, ErrNotFound)
	}
	c := o.Clone()
	c.MarkClean()
	s.byID[o.ID] = c
	s.keys[o.Key] = o.ID
	s.saves.Add(1)
	o.MarkClean()
	return nil
}

// Saves returns how many times Save succeeded.
func (s *MemoryStore) Saves() int64 {
	return s.saves.Load()
}

// Package memory provides an in-process implementation of durable.Store.
// State is shared by every holder of the same *Store, which makes it suitable
// for tests and for single-binary deployments where the background worker runs
// as a goroutine.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/pushguard/durable"
	"github.com/ggoodman/pushguard/notification"
)

// Store implements durable.Store with a guarded map.
type Store struct {
	mu      sync.RWMutex
	opened  bool
	order   []string
	records map[string]notification.Record
}

// New creates an unopened in-memory store.
func New() *Store {
	return &Store{}
}

// Open implements durable.Store.Open.
func (s *Store) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", durable.ErrOpen, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		s.records = make(map[string]notification.Record)
		s.order = nil
		s.opened = true
	}
	return nil
}

// Add implements durable.Store.Add.
func (s *Store) Add(ctx context.Context, r notification.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", durable.ErrWrite, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return fmt.Errorf("%w: store not open", durable.ErrWrite)
	}
	if _, exists := s.records[r.ID]; exists {
		return fmt.Errorf("%w: duplicate id %q", durable.ErrWrite, r.ID)
	}
	s.records[r.ID] = r.Clone()
	s.order = append(s.order, r.ID)
	return nil
}

// GetAll implements durable.Store.GetAll.
func (s *Store) GetAll(ctx context.Context) ([]notification.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notification.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out, nil
}

// Clear implements durable.Store.Clear.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.records = make(map[string]notification.Record)
	s.order = nil
	return nil
}

// Close implements durable.Store.Close.
func (s *Store) Close() error { return nil }

var _ durable.Store = (*Store)(nil)

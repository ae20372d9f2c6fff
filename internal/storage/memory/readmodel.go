package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
)

var _ readmodel.Repository = (*ReadModels)(nil)

// ReadModels is an in-memory read store.
type ReadModels struct {
	mu     sync.RWMutex
	rows   map[int64]readmodel.Order
	parked map[uuid.UUID]readmodel.ParkedEvent
}

// NewReadModels returns an empty ReadModels store.
func NewReadModels() *ReadModels {
	return &ReadModels{
		rows:   make(map[int64]readmodel.Order),
		parked: make(map[uuid.UUID]readmodel.ParkedEvent),
	}
}

// Get implements readmodel.Store.
func (s *ReadModels) Get(_ context.Context, id int64) (*readmodel.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, readmodel.ErrNotFound
	}
	return &row, nil
}

// Insert implements readmodel.Store.
func (s *ReadModels) Insert(_ context.Context, row *readmodel.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[row.ID]; ok {
		return false, nil
	}
	s.rows[row.ID] = *row
	return true, nil
}

// Apply implements readmodel.Store.
func (s *ReadModels) Apply(_ context.Context, row *readmodel.Order, eventVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rows[row.ID]
	if !ok {
		return false, nil
	}
	if eventVersion != 0 && cur.Version >= eventVersion {
		return false, nil
	}
	if eventVersion == 0 && cur.UpdatedAt.After(row.UpdatedAt) {
		return false, nil
	}
	cur.Status = row.Status
	cur.IsDeleted = row.IsDeleted
	cur.UpdatedAt = row.UpdatedAt
	cur.Version = row.Version
	s.rows[row.ID] = cur
	return true, nil
}

// Replace implements readmodel.Store.
func (s *ReadModels) Replace(_ context.Context, row *readmodel.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[row.ID] = *row
	return nil
}

// Park implements readmodel.Store.
func (s *ReadModels) Park(_ context.Context, evt readmodel.ParkedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.parked[evt.EventID]; !ok {
		evt.Payload = slices.Clone(evt.Payload)
		s.parked[evt.EventID] = evt
	}
	return nil
}

// Parked implements readmodel.Store.
func (s *ReadModels) Parked(_ context.Context, orderID int64) ([]readmodel.ParkedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []readmodel.ParkedEvent
	for _, pe := range s.parked {
		if pe.OrderID == orderID {
			out = append(out, pe)
		}
	}
	slices.SortFunc(out, func(a, b readmodel.ParkedEvent) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return out, nil
}

// DropParked implements readmodel.Store.
func (s *ReadModels) DropParked(_ context.Context, ids ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.parked, id)
	}
	return nil
}

// Find implements readmodel.Finder.
func (s *ReadModels) Find(_ context.Context, f readmodel.Filter) ([]readmodel.Order, error) {
	s.mu.RLock()
	out := make([]readmodel.Order, 0, len(s.rows))
	for _, row := range s.rows {
		if f.Match(&row) {
			out = append(out, row)
		}
	}
	s.mu.RUnlock()

	readmodel.SortRows(out, f.Sort)
	return out, nil
}

// Count implements readmodel.Finder.
func (s *ReadModels) Count(_ context.Context, f readmodel.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, row := range s.rows {
		if f.Match(&row) {
			n++
		}
	}
	return n, nil
}

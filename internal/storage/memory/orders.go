// Package memory provides in-process write and read stores.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/xenking/orders-cqrs/internal/domain/order"
)

var _ order.Repository = (*Orders)(nil)

// Orders is an in-memory write store with optimistic locking.
type Orders struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]order.Order
}

// NewOrders returns an empty Orders store.
func NewOrders() *Orders {
	return &Orders{orders: make(map[int64]order.Order)}
}

func cloneOrder(o order.Order) order.Order {
	o.Items = slices.Clone(o.Items)
	return o
}

// Create implements order.Repository.
func (s *Orders) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	o.ID = s.nextID
	o.Version = 1
	s.orders[o.ID] = cloneOrder(*o)
	return nil
}

// Get implements order.Repository.
func (s *Orders) Get(_ context.Context, id int64) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	o = cloneOrder(o)
	return &o, nil
}

// Update implements order.Repository.
func (s *Orders) Update(_ context.Context, o *order.Order, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return order.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return order.ErrVersionConflict
	}
	cur.Status = o.Status
	cur.UpdatedAt = o.UpdatedAt
	cur.Version = expectedVersion + 1
	s.orders[o.ID] = cur
	o.Version = cur.Version
	return nil
}

// Delete implements order.Repository.
func (s *Orders) Delete(_ context.Context, id int64, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return order.ErrVersionConflict
	}
	delete(s.orders, id)
	return nil
}

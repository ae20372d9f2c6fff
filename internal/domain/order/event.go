package order

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventsTopic is the bus topic carrying order domain events.
const EventsTopic = "order-events"

// EventType identifies the kind of order event on the wire.
type EventType string

// Order event types.
const (
	EventCreated       EventType = "ORDER_CREATED"
	EventStatusUpdated EventType = "ORDER_STATUS_UPDATED"
	EventDeleted       EventType = "ORDER_DELETED"
)

// Event is an immutable fact about an order. The concrete types are Created,
// StatusUpdated and Deleted.
type Event interface {
	EventHeader() Header
	isEvent()
}

// Header holds the fields shared by every order event.
type Header struct {
	ID        uuid.UUID
	Type      EventType
	OrderID   int64
	UserID    int64
	Version   int64
	Timestamp time.Time
}

// EventHeader returns h.
func (h Header) EventHeader() Header { return h }

// Created reports that an order was placed.
type Created struct {
	Header
	TotalAmount     decimal.Decimal
	Items           []OrderItem
	ShippingAddress string
	Notes           string
}

// StatusUpdated reports a status change.
type StatusUpdated struct {
	Header
	OldStatus Status
	NewStatus Status
}

// Deleted reports that an order was removed from the write store.
type Deleted struct {
	Header
}

func (Created) isEvent()       {}
func (StatusUpdated) isEvent() {}
func (Deleted) isEvent()       {}

// NewCreated builds a Created event from a freshly persisted order.
func NewCreated(id uuid.UUID, o *Order, at time.Time) Created {
	return Created{
		Header:          newHeader(id, EventCreated, o, at),
		TotalAmount:     o.TotalAmount,
		Items:           slices.Clone(o.Items),
		ShippingAddress: o.ShippingAddress,
		Notes:           o.Notes,
	}
}

// NewStatusUpdated builds a StatusUpdated event for an order already carrying
// the new status.
func NewStatusUpdated(id uuid.UUID, o *Order, old Status, at time.Time) StatusUpdated {
	return StatusUpdated{
		Header:    newHeader(id, EventStatusUpdated, o, at),
		OldStatus: old,
		NewStatus: o.Status,
	}
}

// NewDeleted builds a Deleted event. The event version is one past the
// order's last persisted version.
func NewDeleted(id uuid.UUID, o *Order, at time.Time) Deleted {
	h := newHeader(id, EventDeleted, o, at)
	h.Version = o.Version + 1
	return Deleted{Header: h}
}

func newHeader(id uuid.UUID, typ EventType, o *Order, at time.Time) Header {
	return Header{
		ID:        id,
		Type:      typ,
		OrderID:   o.ID,
		UserID:    o.UserID,
		Version:   o.Version,
		Timestamp: at.UTC(),
	}
}

// EventPublisher publishes order events to the bus.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event) error
}

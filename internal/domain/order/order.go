package order

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

// Order statuses. PENDING is assigned on creation; DELIVERED and CANCELLED
// are terminal.
const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
}

// ParseStatus converts a case-insensitive status name into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &InvalidStatusError{Status: s}
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// Order is the authoritative write-side aggregate.
type Order struct {
	ID              int64
	UserID          int64
	Items           []OrderItem
	TotalAmount     decimal.Decimal
	Status          Status
	ShippingAddress string
	Notes           string
	// Version starts at 1 and is incremented by every mutation. The write
	// store uses it for optimistic locking and events carry it so the read
	// side can discard redeliveries.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderItem is a single line item. Its total is always derived from the unit
// price and quantity.
type OrderItem struct {
	ProductID   int64
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
}

// NewOrderItem returns a line item for the given product.
func NewOrderItem(productID int64, productName string, quantity int, unitPrice decimal.Decimal) OrderItem {
	return OrderItem{
		ProductID:   productID,
		ProductName: productName,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
	}
}

// TotalPrice returns UnitPrice × Quantity.
func (i OrderItem) TotalPrice() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// SumItems returns the sum of item totals.
func SumItems(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.TotalPrice())
	}
	return total
}

// Repository defines persistence operations for the write store. It is the
// only writer of Order aggregates.
type Repository interface {
	// Create persists a new order and assigns its ID. Version is set to 1.
	Create(ctx context.Context, order *Order) error
	// Get returns the order with the given ID or ErrNotFound.
	Get(ctx context.Context, id int64) (*Order, error)
	// Update persists status and timestamp changes when the stored version
	// still equals expectedVersion, and returns ErrVersionConflict otherwise.
	Update(ctx context.Context, order *Order, expectedVersion int64) error
	// Delete removes the order and its items when the stored version still
	// equals expectedVersion.
	Delete(ctx context.Context, id int64, expectedVersion int64) error
}

// Package readmodel holds the denormalized, query-optimized projection of
// orders. Rows are derived exclusively from order events and are eventually
// consistent with the write store.
package readmodel

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/orders-cqrs/internal/domain/order"
)

// ErrNotFound is returned when no projected row exists for an order.
var ErrNotFound = errors.New("order read model not found")

// Order is a projected order row. Rows are never physically removed; deleted
// orders are marked with IsDeleted.
type Order struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"userId"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Status          order.Status    `json:"status"`
	ShippingAddress string          `json:"shippingAddress"`
	Notes           string          `json:"notes"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	IsDeleted       bool            `json:"isDeleted"`
	UserUsername    string          `json:"userUsername"`
	UserEmail       string          `json:"userEmail"`
	ItemsCount      int             `json:"itemsCount"`
	// Version is the version of the last event applied to the row.
	Version int64 `json:"version"`
}

// ParkedEvent is an event that arrived before the row it applies to.
type ParkedEvent struct {
	EventID uuid.UUID
	OrderID int64
	Version int64
	Payload []byte
}

// Store is the projector's write access to the read store.
type Store interface {
	// Get returns the row for id, including deleted rows, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Order, error)
	// Insert stores a new row and reports false when a row already exists.
	Insert(ctx context.Context, row *Order) (bool, error)
	// Apply overwrites status, deletion flag, UpdatedAt and Version when the
	// stored version is older than eventVersion. When eventVersion is zero
	// it applies unless the stored UpdatedAt is later than row's. It reports
	// whether the row changed.
	Apply(ctx context.Context, row *Order, eventVersion int64) (bool, error)
	// Replace unconditionally stores row, creating it when absent.
	Replace(ctx context.Context, row *Order) error
	// Park stores an event for later application. Parking the same event
	// twice is a no-op.
	Park(ctx context.Context, evt ParkedEvent) error
	// Parked returns the events parked for an order ordered by version.
	Parked(ctx context.Context, orderID int64) ([]ParkedEvent, error)
	// DropParked removes parked events by ID.
	DropParked(ctx context.Context, ids ...uuid.UUID) error
}

// Finder is read-only access used by the query service.
type Finder interface {
	Find(ctx context.Context, f Filter) ([]Order, error)
	Count(ctx context.Context, f Filter) (int64, error)
	// Get returns the row for id, including deleted rows, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Order, error)
}

// Repository is a read store usable by both sides.
type Repository interface {
	Store
	Finder
}

// Sort selects the ordering of Find results.
type Sort int

const (
	// SortCreatedDesc orders by creation time, newest first.
	SortCreatedDesc Sort = iota
	// SortAmountDesc orders by total amount, largest first.
	SortAmountDesc
)

// Filter narrows Find and Count. Zero-valued fields do not filter.
type Filter struct {
	UserID *int64
	Status *order.Status
	// CreatedFrom and CreatedTo bound CreatedAt inclusively.
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	// MinAmount keeps rows with TotalAmount strictly greater than it.
	MinAmount        *decimal.Decimal
	UsernameContains string
	IncludeDeleted   bool
	Sort             Sort
}

// Match reports whether row satisfies f. Stores that cannot push a filter
// down to their query language use it to filter in memory.
func (f Filter) Match(row *Order) bool {
	switch {
	case row.IsDeleted && !f.IncludeDeleted:
		return false
	case f.UserID != nil && row.UserID != *f.UserID:
		return false
	case f.Status != nil && row.Status != *f.Status:
		return false
	case f.CreatedFrom != nil && row.CreatedAt.Before(*f.CreatedFrom):
		return false
	case f.CreatedTo != nil && row.CreatedAt.After(*f.CreatedTo):
		return false
	case f.MinAmount != nil && !row.TotalAmount.GreaterThan(*f.MinAmount):
		return false
	case f.UsernameContains != "" && !strings.Contains(row.UserUsername, f.UsernameContains):
		return false
	}
	return true
}

// SortRows orders rows in place according to s. Ties are broken by ID
// descending so results are stable across stores.
func SortRows(rows []Order, s Sort) {
	slices.SortStableFunc(rows, func(a, b Order) int {
		var c int
		switch s {
		case SortAmountDesc:
			c = b.TotalAmount.Cmp(a.TotalAmount)
		default:
			c = b.CreatedAt.Compare(a.CreatedAt)
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

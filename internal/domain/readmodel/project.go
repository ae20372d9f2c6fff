package readmodel

import (
	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/user"
)

// Outcome describes what Project did with an event.
type Outcome int

const (
	// Applied means the event produced a new row state.
	Applied Outcome = iota
	// Stale means the row already reflects the event or a later one.
	Stale
	// Orphan means the event needs a row that does not exist yet.
	Orphan
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Orphan:
		return "orphan"
	default:
		return "unknown"
	}
}

// Enrichment is the directory snapshot copied onto a row when it is created.
type Enrichment struct {
	Username string
	Email    string
}

// EnrichmentOf extracts the denormalized fields from a directory profile. A
// nil profile yields empty enrichment.
func EnrichmentOf(u *user.User) Enrichment {
	if u == nil {
		return Enrichment{}
	}
	return Enrichment{Username: u.Username, Email: u.Email}
}

// EnrichmentFrom returns the enrichment already frozen on a row.
func EnrichmentFrom(row *Order) Enrichment {
	return Enrichment{Username: row.UserUsername, Email: row.UserEmail}
}

// Project applies evt to row and returns the resulting row. row may be nil
// when no row exists; it is never modified. Project is deterministic: the
// same row, event and enrichment always produce the same result, which makes
// incremental application and replay equivalent.
//
// Events whose version is not newer than the row's are Stale. Events without
// a version (zero) come from producers that do not version their events; they
// are ordered by timestamp instead and are Stale when older than the row's
// UpdatedAt.
func Project(row *Order, evt order.Event, enrich Enrichment) (*Order, Outcome) {
	h := evt.EventHeader()

	if created, ok := evt.(order.Created); ok {
		if row != nil {
			return row, Stale
		}
		return &Order{
			ID:              h.OrderID,
			UserID:          h.UserID,
			TotalAmount:     created.TotalAmount,
			Status:          order.StatusPending,
			ShippingAddress: created.ShippingAddress,
			Notes:           created.Notes,
			CreatedAt:       h.Timestamp,
			UpdatedAt:       h.Timestamp,
			UserUsername:    enrich.Username,
			UserEmail:       enrich.Email,
			ItemsCount:      len(created.Items),
			Version:         h.Version,
		}, Applied
	}

	if row == nil {
		return nil, Orphan
	}
	if h.Version != 0 && h.Version <= row.Version {
		return row, Stale
	}
	if h.Version == 0 && h.Timestamp.Before(row.UpdatedAt) {
		return row, Stale
	}

	next := *row
	switch e := evt.(type) {
	case order.StatusUpdated:
		next.Status = e.NewStatus
	case order.Deleted:
		next.IsDeleted = true
	default:
		return row, Stale
	}
	if h.Version != 0 {
		next.Version = h.Version
	}
	if h.Timestamp.After(next.UpdatedAt) {
		next.UpdatedAt = h.Timestamp
	}
	return &next, Applied
}

package projector

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
	"github.com/xenking/orders-cqrs/internal/domain/user"
)

// OnCreated inserts the row for a new order, enriched with the user's
// profile, and then applies any events parked for it. A redelivered Created
// leaves the existing row untouched.
//
// A failed directory lookup is returned for retry, except on the final
// attempt where the row is created without enrichment.
func (p *Processor) OnCreated(ctx context.Context, evt order.Created) (readmodel.Outcome, error) {
	lg := eventLogger(ctx, evt)

	row, err := p.get(ctx, evt.OrderID)
	if err != nil {
		return readmodel.Stale, err
	}

	out := readmodel.Stale
	if row == nil {
		enrich, err := p.enrichment(ctx, evt.UserID)
		if err != nil {
			return readmodel.Stale, err
		}
		next, _ := readmodel.Project(nil, evt, enrich)
		inserted, err := p.rows.Insert(ctx, next)
		if err != nil {
			return readmodel.Stale, fmt.Errorf("insert order %d: %w", evt.OrderID, err)
		}
		if inserted {
			out = readmodel.Applied
			row = next
			lg.Info("Read model created", zap.String("username", next.UserUsername))
		} else {
			// Lost an insert race against another consumer.
			if row, err = p.get(ctx, evt.OrderID); err != nil {
				return readmodel.Stale, err
			}
			if row == nil {
				return readmodel.Stale, errors.Errorf("order %d vanished after concurrent insert", evt.OrderID)
			}
		}
	}
	if out == readmodel.Stale {
		lg.Debug("Skipping redelivered created event")
	}

	if err := p.drain(ctx, row); err != nil {
		return out, err
	}
	return out, nil
}

// OnStatusUpdated sets the row's status. Events for orders without a row are
// parked.
func (p *Processor) OnStatusUpdated(ctx context.Context, evt order.StatusUpdated) (readmodel.Outcome, error) {
	return p.update(ctx, evt)
}

// OnDeleted marks the row deleted. Events for orders without a row are
// parked.
func (p *Processor) OnDeleted(ctx context.Context, evt order.Deleted) (readmodel.Outcome, error) {
	return p.update(ctx, evt)
}

func (p *Processor) update(ctx context.Context, evt order.Event) (readmodel.Outcome, error) {
	h := evt.EventHeader()
	lg := eventLogger(ctx, evt)

	row, err := p.get(ctx, h.OrderID)
	if err != nil {
		return readmodel.Stale, err
	}
	if row == nil {
		return p.park(ctx, evt)
	}

	next, out := readmodel.Project(row, evt, readmodel.EnrichmentFrom(row))
	if out != readmodel.Applied {
		lg.Debug("Skipping stale event", zap.Int64("row_version", row.Version))
		return out, nil
	}
	changed, err := p.rows.Apply(ctx, next, h.Version)
	if err != nil {
		return readmodel.Stale, fmt.Errorf("apply %s to order %d: %w", h.Type, h.OrderID, err)
	}
	if !changed {
		lg.Debug("Row advanced concurrently, skipping event")
		return readmodel.Stale, nil
	}
	lg.Info("Read model updated",
		zap.Stringer("status", next.Status),
		zap.Bool("deleted", next.IsDeleted),
	)
	return readmodel.Applied, nil
}

// park stores evt until its order's Created arrives. The row is checked once
// more afterwards: a Created applied between the first lookup and the park
// would otherwise never see the parked event.
func (p *Processor) park(ctx context.Context, evt order.Event) (readmodel.Outcome, error) {
	h := evt.EventHeader()
	payload, err := order.MarshalEvent(evt)
	if err != nil {
		return readmodel.Stale, permanent(errors.Wrap(err, "encode parked event"))
	}
	if err := p.rows.Park(ctx, readmodel.ParkedEvent{
		EventID: h.ID,
		OrderID: h.OrderID,
		Version: h.Version,
		Payload: payload,
	}); err != nil {
		return readmodel.Stale, fmt.Errorf("park %s for order %d: %w", h.Type, h.OrderID, err)
	}
	eventLogger(ctx, evt).Info("Parked event for missing order")

	row, err := p.get(ctx, h.OrderID)
	if err != nil {
		return readmodel.Orphan, err
	}
	if row != nil {
		if err := p.drain(ctx, row); err != nil {
			return readmodel.Orphan, err
		}
	}
	return readmodel.Orphan, nil
}

// drain folds the events parked for row's order onto it, stores the result
// and only then drops the parked events.
func (p *Processor) drain(ctx context.Context, row *readmodel.Order) error {
	parked, err := p.rows.Parked(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("list parked events for order %d: %w", row.ID, err)
	}
	if len(parked) == 0 {
		return nil
	}

	var (
		next    = row
		last    int64
		applied int
		ids     = make([]uuid.UUID, 0, len(parked))
	)
	for _, pe := range parked {
		ids = append(ids, pe.EventID)
		evt, err := order.UnmarshalEvent(pe.Payload)
		if err != nil {
			zctx.From(ctx).Warn("Dropping undecodable parked event",
				zap.Stringer("event_id", pe.EventID),
				zap.Error(err),
			)
			continue
		}
		folded, out := readmodel.Project(next, evt, readmodel.EnrichmentFrom(next))
		if out != readmodel.Applied {
			continue
		}
		next = folded
		last = evt.EventHeader().Version
		applied++
	}

	if applied > 0 {
		if _, err := p.rows.Apply(ctx, next, last); err != nil {
			return fmt.Errorf("apply parked events to order %d: %w", row.ID, err)
		}
		p.applied.Add(ctx, int64(applied))
	}
	if err := p.rows.DropParked(ctx, ids...); err != nil {
		return fmt.Errorf("drop parked events for order %d: %w", row.ID, err)
	}
	zctx.From(ctx).Info("Drained parked events",
		zap.Int64("order_id", row.ID),
		zap.Int("parked", len(parked)),
		zap.Int("applied", applied),
	)
	return nil
}

// enrichment looks up the denormalized user fields for a new row. Unknown
// users yield empty enrichment.
func (p *Processor) enrichment(ctx context.Context, userID int64) (readmodel.Enrichment, error) {
	u, err := p.users.GetUserByID(ctx, userID)
	switch {
	case err == nil:
		return readmodel.EnrichmentOf(u), nil
	case errors.Is(err, user.ErrNotFound):
		zctx.From(ctx).Warn("User not found, projecting without enrichment", zap.Int64("user_id", userID))
		return readmodel.Enrichment{}, nil
	case FinalAttempt(ctx):
		zctx.From(ctx).Warn("User lookup failed on final attempt, projecting without enrichment",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return readmodel.Enrichment{}, nil
	default:
		return readmodel.Enrichment{}, fmt.Errorf("enrich order for user %d: %w", userID, err)
	}
}

// get returns the row for id, or nil when it does not exist.
func (p *Processor) get(ctx context.Context, id int64) (*readmodel.Order, error) {
	row, err := p.rows.Get(ctx, id)
	if err != nil {
		if errors.Is(err, readmodel.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get read model %d: %w", id, err)
	}
	return row, nil
}

func eventLogger(ctx context.Context, evt order.Event) *zap.Logger {
	h := evt.EventHeader()
	return zctx.From(ctx).With(
		zap.Stringer("event_id", h.ID),
		zap.String("event_type", string(h.Type)),
		zap.Int64("order_id", h.OrderID),
		zap.Int64("version", h.Version),
	)
}

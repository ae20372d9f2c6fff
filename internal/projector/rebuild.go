package projector

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/orders-cqrs/internal/bus"
	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
)

// History returns the retained events of an order in application order:
// duplicates removed, Created first, then by version. Events without a
// version keep their log order.
func (p *Processor) History(ctx context.Context, orderID int64) ([]order.Event, error) {
	if p.history == nil {
		return nil, ErrRebuildUnavailable
	}

	var (
		events []order.Event
		seen   = make(map[uuid.UUID]struct{})
	)
	err := p.history.Replay(ctx, p.topic, order.EventKey(orderID), func(msg bus.Message) error {
		evt, err := order.UnmarshalEvent(msg.Value)
		if err != nil {
			zctx.From(ctx).Warn("Skipping undecodable event in history",
				zap.Int64("order_id", orderID),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return nil
		}
		h := evt.EventHeader()
		if h.OrderID != orderID {
			return nil
		}
		if _, dup := seen[h.ID]; dup {
			return nil
		}
		seen[h.ID] = struct{}{}
		events = append(events, evt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay order %d: %w", orderID, err)
	}

	versioned := !slices.ContainsFunc(events, func(e order.Event) bool {
		return e.EventHeader().Version == 0
	})
	slices.SortStableFunc(events, func(a, b order.Event) int {
		ca, cb := isCreated(a), isCreated(b)
		switch {
		case ca && !cb:
			return -1
		case cb && !ca:
			return 1
		case versioned:
			return cmp.Compare(a.EventHeader().Version, b.EventHeader().Version)
		}
		return 0
	})
	return events, nil
}

func isCreated(evt order.Event) bool {
	_, ok := evt.(order.Created)
	return ok
}

// RebuildReadModel recomputes an order's row from its retained history and
// replaces the stored row with the result. The outcome equals incremental
// application of the same history: enrichment frozen on the existing row is
// reused, and only looked up again when no row exists.
//
// Parked events already in the history are discarded. Parked events the
// history does not hold yet are folded onto the result before they are
// dropped, so an event parked after the log was read is not lost. When the
// history holds no Created event, ErrNoHistory is returned and the
// stored row is left as is.
func (p *Processor) RebuildReadModel(ctx context.Context, orderID int64) (*readmodel.Order, error) {
	ctx, span := p.tracer.Start(ctx, "projector.RebuildReadModel",
		trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	events, err := p.History(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 || !isCreated(events[0]) {
		return nil, fmt.Errorf("rebuild order %d: %w", orderID, ErrNoHistory)
	}

	existing, err := p.get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var enrich readmodel.Enrichment
	if existing != nil {
		enrich = readmodel.EnrichmentFrom(existing)
	} else if enrich, err = p.enrichment(ctx, events[0].EventHeader().UserID); err != nil {
		return nil, err
	}

	replayed := make(map[uuid.UUID]struct{}, len(events))
	for _, evt := range events {
		replayed[evt.EventHeader().ID] = struct{}{}
	}
	row := Fold(events, enrich)

	parked, err := p.rows.Parked(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list parked events for order %d: %w", orderID, err)
	}
	ids := make([]uuid.UUID, 0, len(parked))
	late := 0
	for _, pe := range parked {
		ids = append(ids, pe.EventID)
		if _, ok := replayed[pe.EventID]; ok {
			continue
		}
		evt, err := order.UnmarshalEvent(pe.Payload)
		if err != nil {
			zctx.From(ctx).Warn("Dropping undecodable parked event",
				zap.Stringer("event_id", pe.EventID),
				zap.Error(err),
			)
			continue
		}
		if next, out := readmodel.Project(row, evt, enrich); out == readmodel.Applied {
			row = next
			late++
		}
	}

	if err := p.rows.Replace(ctx, row); err != nil {
		return nil, fmt.Errorf("replace order %d: %w", orderID, err)
	}
	if len(ids) > 0 {
		if err := p.rows.DropParked(ctx, ids...); err != nil {
			return nil, fmt.Errorf("drop parked events for order %d: %w", orderID, err)
		}
	}

	zctx.From(ctx).Info("Read model rebuilt",
		zap.Int64("order_id", orderID),
		zap.Int("events", len(events)),
		zap.Int64("version", row.Version),
		zap.Int("parked_dropped", len(ids)),
		zap.Int("parked_folded", late),
	)
	return row, nil
}

// Fold applies events in order onto an empty row. Stale and orphan events
// are ignored.
func Fold(events []order.Event, enrich readmodel.Enrichment) *readmodel.Order {
	var row *readmodel.Order
	for _, evt := range events {
		if next, out := readmodel.Project(row, evt, enrich); out == readmodel.Applied {
			row = next
		}
	}
	return row
}

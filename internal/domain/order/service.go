package order

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/orders-cqrs/internal/domain/user"
)

const defaultConflictRetries = 3

// CreateOrderRequest holds the input for placing an order.
type CreateOrderRequest struct {
	UserID          int64
	Items           []OrderItem
	ShippingAddress string
	Notes           string
}

// Service executes order commands against the write store and publishes the
// resulting events.
//
// Events are published after the write store commits, without an outbox. A
// failed publish is logged and counted but does not fail the command, so the
// read model can diverge until the order is rebuilt from the event log.
type Service struct {
	orders Repository
	users  user.Directory
	events EventPublisher

	now             func() time.Time
	newEventID      func() uuid.UUID
	conflictRetries int

	tracer          trace.Tracer
	commands        metric.Int64Counter
	published       metric.Int64Counter
	publishFailures metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEventIDs overrides the event ID generator.
func WithEventIDs(gen func() uuid.UUID) Option {
	return func(s *Service) { s.newEventID = gen }
}

// WithConflictRetries sets how many times a status update is retried after
// losing an optimistic-locking race.
func WithConflictRetries(n int) Option {
	return func(s *Service) { s.conflictRetries = n }
}

// WithTelemetry wires tracing and metrics providers.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer("orders/command")
		s.initMetrics(mp.Meter("orders/command"))
	}
}

// NewService creates an order Service with the required collaborators.
func NewService(
	orders Repository,
	users user.Directory,
	events EventPublisher,
	opts ...Option,
) *Service {
	s := &Service{
		orders:          orders,
		users:           users,
		events:          events,
		now:             time.Now,
		newEventID:      uuid.New,
		conflictRetries: defaultConflictRetries,
		tracer:          tracenoop.NewTracerProvider().Tracer("orders/command"),
	}
	s.initMetrics(metricnoop.NewMeterProvider().Meter("orders/command"))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) initMetrics(m metric.Meter) {
	s.commands = counter(m, "orders.commands", "Order commands executed")
	s.published = counter(m, "orders.events.published", "Order events published")
	s.publishFailures = counter(m, "orders.events.publish_failures", "Order events lost because publishing failed")
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = metricnoop.NewMeterProvider().Meter("").Int64Counter(name)
	}
	return c
}

// CreateOrder validates the items and user, persists a PENDING order and
// publishes an ORDER_CREATED event.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (_ *Order, rerr error) {
	ctx, span := s.startSpan(ctx, "CreateOrder", attribute.Int64("user.id", req.UserID))
	defer func() { s.endSpan(ctx, span, "create", rerr) }()

	if err := validateItems(req.Items); err != nil {
		return nil, err
	}

	if _, err := s.users.GetUserByID(ctx, req.UserID); err != nil {
		zctx.From(ctx).Warn("User validation failed",
			zap.Int64("user_id", req.UserID),
			zap.Error(err),
		)
		return nil, &UserNotFoundError{UserID: req.UserID, Err: err}
	}

	now := s.timestamp()
	o := &Order{
		UserID:          req.UserID,
		Items:           slices.Clone(req.Items),
		TotalAmount:     SumItems(req.Items),
		Status:          StatusPending,
		ShippingAddress: req.ShippingAddress,
		Notes:           req.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	zctx.From(ctx).Info("Order created",
		zap.Int64("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.Stringer("total", o.TotalAmount),
	)
	s.publish(ctx, NewCreated(s.newEventID(), o, now))

	return o, nil
}

// UpdateOrderStatus moves an order to newStatus and publishes an
// ORDER_STATUS_UPDATED event carrying the old and new status. Any transition
// is accepted unless the order is already DELIVERED or CANCELLED.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID int64, newStatus Status) (_ *Order, rerr error) {
	ctx, span := s.startSpan(ctx, "UpdateOrderStatus",
		attribute.Int64("order.id", orderID),
		attribute.String("order.status", string(newStatus)),
	)
	defer func() { s.endSpan(ctx, span, "update_status", rerr) }()

	if !newStatus.Valid() {
		return nil, &InvalidStatusError{Status: string(newStatus)}
	}

	for attempt := 0; ; attempt++ {
		o, err := s.load(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.Status.Terminal() {
			return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, To: newStatus}
		}

		old := o.Status
		expected := o.Version
		o.Status = newStatus
		o.UpdatedAt = s.bump(o.UpdatedAt)

		err = s.orders.Update(ctx, o, expected)
		switch {
		case err == nil:
		case errors.Is(err, ErrVersionConflict) && attempt < s.conflictRetries:
			zctx.From(ctx).Debug("Retrying status update after version conflict",
				zap.Int64("order_id", orderID),
				zap.Int("attempt", attempt+1),
			)
			continue
		case errors.Is(err, ErrNotFound):
			return nil, &OrderNotFoundError{OrderID: orderID}
		default:
			return nil, fmt.Errorf("update order %d: %w", orderID, err)
		}

		zctx.From(ctx).Info("Order status updated",
			zap.Int64("order_id", orderID),
			zap.Stringer("old_status", old),
			zap.Stringer("new_status", newStatus),
		)
		s.publish(ctx, NewStatusUpdated(s.newEventID(), o, old, o.UpdatedAt))
		return o, nil
	}
}

// DeleteOrder publishes an ORDER_DELETED event and then removes the order
// from the write store. The event goes out first so consumers can react even
// when the physical delete fails.
func (s *Service) DeleteOrder(ctx context.Context, orderID int64) (rerr error) {
	ctx, span := s.startSpan(ctx, "DeleteOrder", attribute.Int64("order.id", orderID))
	defer func() { s.endSpan(ctx, span, "delete", rerr) }()

	for attempt := 0; ; attempt++ {
		o, err := s.load(ctx, orderID)
		if err != nil {
			return err
		}

		s.publish(ctx, NewDeleted(s.newEventID(), o, s.bump(o.UpdatedAt)))

		err = s.orders.Delete(ctx, orderID, o.Version)
		switch {
		case err == nil:
			zctx.From(ctx).Info("Order deleted", zap.Int64("order_id", orderID))
			return nil
		case errors.Is(err, ErrVersionConflict) && attempt < s.conflictRetries:
			continue
		case errors.Is(err, ErrNotFound):
			return &OrderNotFoundError{OrderID: orderID}
		default:
			return fmt.Errorf("delete order %d: %w", orderID, err)
		}
	}
}

// GetOrder returns the authoritative order state. Query callers should read
// the projected model instead.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	return s.load(ctx, orderID)
}

func (s *Service) load(ctx context.Context, orderID int64) (*Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &OrderNotFoundError{OrderID: orderID}
		}
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	return o, nil
}

// timestamp returns the current time at the microsecond precision the stores
// keep.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// bump returns the current time, never earlier than prev.
func (s *Service) bump(prev time.Time) time.Time {
	now := s.timestamp()
	if now.Before(prev) {
		return prev
	}
	return now
}

func (s *Service) publish(ctx context.Context, evt Event) {
	h := evt.EventHeader()
	attrs := metric.WithAttributes(attribute.String("event.type", string(h.Type)))
	lg := zctx.From(ctx).With(
		zap.Stringer("event_id", h.ID),
		zap.String("event_type", string(h.Type)),
		zap.Int64("order_id", h.OrderID),
		zap.Int64("version", h.Version),
	)

	if err := s.events.Publish(ctx, evt); err != nil {
		s.publishFailures.Add(ctx, 1, attrs)
		lg.Error("Publish order event failed, read model will be stale until rebuilt", zap.Error(err))
		return
	}
	s.published.Add(ctx, 1, attrs)
	lg.Debug("Order event published")
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "order."+name, trace.WithAttributes(attrs...))
}

func (s *Service) endSpan(ctx context.Context, span trace.Span, command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("result", result),
	))
	span.End()
}

// validateItems checks the preconditions of CreateOrder before any I/O.
func validateItems(items []OrderItem) error {
	if len(items) == 0 {
		return ErrEmptyItems
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return &InvalidQuantityError{ProductID: item.ProductID, Quantity: item.Quantity}
		}
		if !item.UnitPrice.IsPositive() {
			return &InvalidPriceError{ProductID: item.ProductID, UnitPrice: item.UnitPrice.String()}
		}
	}
	return nil
}

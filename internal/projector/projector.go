// Package projector consumes order events and maintains the read model.
//
// Application is idempotent: every read row remembers the version of the last
// event applied to it, so redeliveries are skipped. Status updates and deletes
// that arrive before their order's Created event are parked in the read store
// and applied as soon as the row exists.
package projector

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/orders-cqrs/internal/bus"
	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
	"github.com/xenking/orders-cqrs/internal/domain/user"
)

// GroupID is the consumer group shared by every projector instance.
const GroupID = "order-read-model-group"

// ErrRebuildUnavailable is returned by RebuildReadModel when no event log is
// configured.
var ErrRebuildUnavailable = errors.New("event log is not configured")

// ErrNoHistory is returned by RebuildReadModel when the retained history of
// an order holds no Created event.
var ErrNoHistory = errors.New("no created event in order history")

// Processor applies order events to the read store.
type Processor struct {
	rows  readmodel.Store
	users user.Directory

	history bus.Log
	topic   string

	tracer       trace.Tracer
	applied      metric.Int64Counter
	skipped      metric.Int64Counter
	parked       metric.Int64Counter
	deadLettered metric.Int64Counter
}

// Option configures a Processor.
type Option func(*Processor)

// WithHistory enables RebuildReadModel by replaying topic from log.
func WithHistory(log bus.Log, topic string) Option {
	return func(p *Processor) {
		p.history = log
		p.topic = topic
	}
}

// WithTelemetry wires tracing and metrics providers.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(p *Processor) {
		p.tracer = tp.Tracer("orders/projector")
		p.initMetrics(mp.Meter("orders/projector"))
	}
}

// New returns a Processor writing to rows and enriching new rows from users.
func New(rows readmodel.Store, users user.Directory, opts ...Option) *Processor {
	p := &Processor{
		rows:   rows,
		users:  users,
		topic:  order.EventsTopic,
		tracer: tracenoop.NewTracerProvider().Tracer("orders/projector"),
	}
	p.initMetrics(metricnoop.NewMeterProvider().Meter("orders/projector"))
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) initMetrics(m metric.Meter) {
	p.applied = counter(m, "orders.projector.applied", "Order events applied to the read model")
	p.skipped = counter(m, "orders.projector.skipped", "Order events skipped as redeliveries")
	p.parked = counter(m, "orders.projector.parked", "Order events parked until their order is created")
	p.deadLettered = counter(m, "orders.projector.dead_lettered", "Order events sent to the dead letter topic")
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = metricnoop.NewMeterProvider().Meter("").Int64Counter(name)
	}
	return c
}

// Handle decodes msg and applies it. Undecodable payloads are reported as
// permanent failures.
func (p *Processor) Handle(ctx context.Context, msg bus.Message) error {
	evt, err := order.UnmarshalEvent(msg.Value)
	if err != nil {
		return permanent(errors.Wrapf(err, "decode message at %d/%d", msg.Partition, msg.Offset))
	}
	_, err = p.Apply(ctx, evt)
	return err
}

// Apply routes evt to its handler.
func (p *Processor) Apply(ctx context.Context, evt order.Event) (_ readmodel.Outcome, rerr error) {
	h := evt.EventHeader()
	ctx, span := p.tracer.Start(ctx, "projector.Apply", trace.WithAttributes(
		attribute.String("event.type", string(h.Type)),
		attribute.Int64("order.id", h.OrderID),
		attribute.Int64("event.version", h.Version),
	))
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	var (
		out readmodel.Outcome
		err error
	)
	switch e := evt.(type) {
	case order.Created:
		out, err = p.OnCreated(ctx, e)
	case order.StatusUpdated:
		out, err = p.OnStatusUpdated(ctx, e)
	case order.Deleted:
		out, err = p.OnDeleted(ctx, e)
	default:
		return readmodel.Stale, permanent(errors.Wrapf(order.ErrUnknownEventType, "%T", evt))
	}
	if err != nil {
		return out, err
	}
	p.record(ctx, h, out)
	return out, nil
}

func (p *Processor) record(ctx context.Context, h order.Header, out readmodel.Outcome) {
	attrs := metric.WithAttributes(attribute.String("event.type", string(h.Type)))
	switch out {
	case readmodel.Applied:
		p.applied.Add(ctx, 1, attrs)
	case readmodel.Stale:
		p.skipped.Add(ctx, 1, attrs)
	case readmodel.Orphan:
		p.parked.Add(ctx, 1, attrs)
	}
}

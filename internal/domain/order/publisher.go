package order

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/orders-cqrs/internal/bus"
)

var _ EventPublisher = (*BusPublisher)(nil)

// BusPublisher encodes order events and publishes them keyed by order ID.
type BusPublisher struct {
	bus   bus.Publisher
	topic string
}

// NewBusPublisher returns a BusPublisher writing to topic.
func NewBusPublisher(p bus.Publisher, topic string) *BusPublisher {
	return &BusPublisher{bus: p, topic: topic}
}

// Publish implements EventPublisher.
func (p *BusPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := MarshalEvent(evt)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	h := evt.EventHeader()
	return p.bus.Publish(ctx, p.topic, bus.Message{
		Key:   EventKey(h.OrderID),
		Value: data,
		Headers: map[string]string{
			bus.HeaderEventType: string(h.Type),
			bus.HeaderEventID:   h.ID.String(),
		},
	})
}

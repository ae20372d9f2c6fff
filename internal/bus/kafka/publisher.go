// Package kafka implements the bus on Apache Kafka with segmentio/kafka-go.
//
// Messages are partitioned by key with the hash balancer, so all events of
// one order land on one partition and keep their publish order.
package kafka

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/orders-cqrs/internal/bus"
)

var _ bus.Publisher = (*Publisher)(nil)

// Publisher writes messages to any topic of a cluster.
type Publisher struct {
	w *kafka.Writer
}

// NewPublisher returns a Publisher for brokers. Writes wait for all in-sync
// replicas.
func NewPublisher(brokers []string) *Publisher {
	return &Publisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               balancer(),
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

// balancer returns the key balancer shared by the writer and Log, which must
// agree on the partition of a key.
func balancer() kafka.Balancer {
	return &kafka.Hash{}
}

// Publish implements bus.Publisher. It blocks until the write is
// acknowledged.
func (p *Publisher) Publish(ctx context.Context, topic string, msg bus.Message) error {
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: toHeaders(msg.Headers),
	}); err != nil {
		return errors.Wrapf(err, "write to %s", topic)
	}
	return nil
}

// Close flushes pending writes.
func (p *Publisher) Close() error {
	return p.w.Close()
}

func toHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func toMessage(m kafka.Message) bus.Message {
	msg := bus.Message{
		Topic:     m.Topic,
		Key:       m.Key,
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		Time:      m.Time,
	}
	if len(m.Headers) > 0 {
		msg.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

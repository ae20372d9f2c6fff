package kafka

import (
	"bytes"
	"context"
	"net"
	"slices"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/orders-cqrs/internal/bus"
)

var _ bus.Log = (*Log)(nil)

// Log replays retained messages of a key. It locates the key's partition
// with the same balancer the Publisher uses and scans that partition from
// its first to its last offset.
type Log struct {
	brokers []string
	dialer  *kafka.Dialer
}

// NewLog returns a Log for brokers.
func NewLog(brokers []string) *Log {
	return &Log{brokers: brokers, dialer: kafka.DefaultDialer}
}

// Replay implements bus.Log.
func (l *Log) Replay(ctx context.Context, topic string, key []byte, fn func(bus.Message) error) error {
	partition, err := l.partitionOf(ctx, topic, key)
	if err != nil {
		return err
	}

	conn, err := l.dialer.DialLeader(ctx, "tcp", l.brokers[0], topic, partition)
	if err != nil {
		return errors.Wrapf(err, "dial leader of %s/%d", topic, partition)
	}
	first, last, err := conn.ReadOffsets()
	_ = conn.Close()
	if err != nil {
		return errors.Wrap(err, "read offsets")
	}
	if first >= last {
		return nil
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   l.brokers,
		Topic:     topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
		Dialer:    l.dialer,
	})
	defer func() { _ = r.Close() }()
	if err := r.SetOffset(first); err != nil {
		return errors.Wrap(err, "seek")
	}

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			return errors.Wrapf(err, "read %s/%d", topic, partition)
		}
		if bytes.Equal(m.Key, key) {
			if err := fn(toMessage(m)); err != nil {
				return err
			}
		}
		if m.Offset >= last-1 {
			return nil
		}
	}
}

func (l *Log) partitionOf(ctx context.Context, topic string, key []byte) (int, error) {
	if len(l.brokers) == 0 {
		return 0, errors.New("no brokers configured")
	}
	conn, err := l.dialer.DialContext(ctx, "tcp", l.brokers[0])
	if err != nil {
		return 0, errors.Wrap(err, "dial")
	}
	defer func() { _ = conn.Close() }()

	parts, err := conn.ReadPartitions(topic)
	if err != nil {
		return 0, errors.Wrapf(err, "read partitions of %s", topic)
	}
	if len(parts) == 0 {
		return 0, errors.Errorf("topic %s has no partitions", topic)
	}
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ID)
	}
	slices.Sort(ids)
	return balancer().Balance(kafka.Message{Key: key}, ids...), nil
}

// Ping checks that a broker is reachable and knows its controller.
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no brokers configured")
	}
	conn, err := kafka.DefaultDialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Controller(); err != nil {
		return errors.Wrap(err, "read controller")
	}
	return nil
}

// EnsureTopics creates topics that do not exist yet. Empty names are skipped.
func EnsureTopics(ctx context.Context, brokers []string, partitions int, topics ...string) error {
	if len(brokers) == 0 {
		return errors.New("no brokers configured")
	}
	cfgs := topicConfigs(partitions, topics...)
	if len(cfgs) == 0 {
		return nil
	}
	conn, err := kafka.DefaultDialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer func() { _ = conn.Close() }()

	c, err := conn.Controller()
	if err != nil {
		return errors.Wrap(err, "read controller")
	}
	ctrl, err := kafka.DefaultDialer.DialContext(ctx, "tcp", net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
	if err != nil {
		return errors.Wrap(err, "dial controller")
	}
	defer func() { _ = ctrl.Close() }()

	if err := ctrl.CreateTopics(cfgs...); err != nil {
		return errors.Wrap(err, "create topics")
	}
	return nil
}

func topicConfigs(partitions int, topics ...string) []kafka.TopicConfig {
	cfgs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		cfgs = append(cfgs, kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		})
	}
	return cfgs
}

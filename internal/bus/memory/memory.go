// Package memory implements an in-process bus with retained topics. It is
// used in tests and single-binary deployments.
package memory

import (
	"bytes"
	"context"
	"maps"
	"sync"
	"time"

	"github.com/xenking/orders-cqrs/internal/bus"
)

var (
	_ bus.Publisher  = (*Bus)(nil)
	_ bus.Subscriber = (*Bus)(nil)
	_ bus.Log        = (*Bus)(nil)
)

type group struct {
	// token is held by the single active subscriber of the group. Other
	// subscribers wait as standbys.
	token chan struct{}
	next  int64
}

type topic struct {
	log    []bus.Message
	groups map[string]*group
	// wake is closed and replaced on every publish.
	wake chan struct{}
}

// Bus is a single-partition, retained, in-memory bus. Each consumer group
// keeps its own cursor, so every group sees every message in publish order.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	now    func() time.Time
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic), now: time.Now}
}

func (b *Bus) topic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{groups: make(map[string]*group), wake: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish implements bus.Publisher.
func (b *Bus) Publish(ctx context.Context, topic string, msg bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topic)
	msg.Topic = topic
	msg.Partition = 0
	msg.Offset = int64(len(t.log))
	msg.Time = b.now()
	msg.Key = bytes.Clone(msg.Key)
	msg.Value = bytes.Clone(msg.Value)
	msg.Headers = maps.Clone(msg.Headers)
	t.log = append(t.log, msg)

	close(t.wake)
	t.wake = make(chan struct{})
	return nil
}

// Subscribe implements bus.Subscriber. Only one subscriber per group receives
// messages at a time; additional subscribers block until it returns.
func (b *Bus) Subscribe(ctx context.Context, topic, groupID string, h bus.Handler) error {
	b.mu.Lock()
	t := b.topic(topic)
	g, ok := t.groups[groupID]
	if !ok {
		g = &group{token: make(chan struct{}, 1)}
		t.groups[groupID] = g
	}
	b.mu.Unlock()

	select {
	case g.token <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.token }()

	for {
		b.mu.Lock()
		var (
			msg  bus.Message
			have = g.next < int64(len(t.log))
			wake = t.wake
		)
		if have {
			msg = t.log[g.next]
		}
		b.mu.Unlock()

		if !have {
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := h(ctx, msg); err != nil {
			return err
		}

		b.mu.Lock()
		g.next = msg.Offset + 1
		b.mu.Unlock()
	}
}

// Replay implements bus.Log.
func (b *Bus) Replay(ctx context.Context, topic string, key []byte, fn func(bus.Message) error) error {
	for _, msg := range b.Messages(topic) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !bytes.Equal(msg.Key, key) {
			continue
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

// Messages returns a snapshot of everything published to topic.
func (b *Bus) Messages(topic string) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]bus.Message, len(t.log))
	copy(out, t.log)
	return out
}

// Lag returns how many messages of topic groupID has not processed yet.
func (b *Bus) Lag(topic, groupID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	var next int64
	if g, ok := t.groups[groupID]; ok {
		next = g.next
	}
	return int64(len(t.log)) - next
}

// Package bus defines the ordered-per-key, at-least-once message bus used to
// carry domain events between the command and query sides.
//
// Messages with the same key are delivered to a consumer group in publish
// order. A handler error stops the subscription without acknowledging the
// message, so it is delivered again on the next subscription.
package bus

import (
	"context"
	"time"
)

// Header names set on every published domain event.
const (
	HeaderEventType = "eventType"
	HeaderEventID   = "eventId"
	HeaderError     = "error"
)

// Message is a single record on a topic.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Time      time.Time
}

// Publisher appends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers messages of a topic to a consumer group. Subscribe
// blocks until ctx is cancelled or the handler returns an error.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, groupID string, h Handler) error
}

// Log gives ordered read access to the retained history of a topic.
type Log interface {
	// Replay calls fn for every retained message with the given key, in
	// publish order.
	Replay(ctx context.Context, topic string, key []byte, fn func(Message) error) error
}

package kafka

import (
	"context"
	"hash/fnv"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/orders-cqrs/internal/bus"
)

var _ bus.Subscriber = (*Subscriber)(nil)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Brokers []string
	// Workers is the number of lanes messages are processed on. Messages with
	// the same key always share a lane.
	Workers int
	// LaneDepth bounds the messages queued per lane.
	LaneDepth int
}

// Subscriber consumes a topic as a member of a consumer group.
//
// Fetched messages are spread over lanes by key and handled concurrently.
// Offsets are committed by a single committer once every earlier message of
// the partition has been handled, so a crash only causes redelivery.
type Subscriber struct {
	cfg SubscriberConfig
}

// NewSubscriber returns a Subscriber.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LaneDepth <= 0 {
		cfg.LaneDepth = 16
	}
	return &Subscriber{cfg: cfg}
}

type ackKind int

const (
	ackTrack ackKind = iota
	ackDone
)

type ack struct {
	kind ackKind
	msg  kafka.Message
}

// Subscribe implements bus.Subscriber.
func (s *Subscriber) Subscribe(ctx context.Context, topic, groupID string, h bus.Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.cfg.Brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	lg := zctx.From(ctx).With(zap.String("topic", topic), zap.String("group", groupID))
	lg.Info("Subscribed", zap.Int("workers", s.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	acks := make(chan ack, s.cfg.Workers*s.cfg.LaneDepth)
	lanes := make([]chan kafka.Message, s.cfg.Workers)

	send := func(a ack) bool {
		select {
		case acks <- a:
			return true
		case <-gctx.Done():
			return false
		}
	}

	g.Go(func() error {
		tracker := newOffsetTracker()
		for {
			select {
			case <-gctx.Done():
				if n := tracker.pending(); n > 0 {
					lg.Info("Stopping with uncommitted messages", zap.Int("pending", n))
				}
				return nil
			case a := <-acks:
				if a.kind == ackTrack {
					tracker.track(a.msg)
					continue
				}
				m, ok := tracker.complete(a.msg)
				if !ok {
					continue
				}
				if err := r.CommitMessages(gctx, m); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return errors.Wrap(err, "commit")
				}
			}
		}
	})

	for i := range lanes {
		lane := make(chan kafka.Message, s.cfg.LaneDepth)
		lanes[i] = lane
		g.Go(func() error {
			for m := range lane {
				if err := h(gctx, toMessage(m)); err != nil {
					return errors.Wrapf(err, "handle %d/%d", m.Partition, m.Offset)
				}
				if !send(ack{kind: ackDone, msg: m}) {
					return nil
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
			m, err := r.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "fetch")
			}
			if !send(ack{kind: ackTrack, msg: m}) {
				return nil
			}
			select {
			case lanes[laneOf(m.Key, len(lanes))] <- m:
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func laneOf(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(n))
}

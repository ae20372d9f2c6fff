package projector

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orders-cqrs/internal/bus"
)

// HeaderAttempts is set on dead-lettered messages.
const HeaderAttempts = "attempts"

type finalAttemptKey struct{}

// FinalAttempt reports whether ctx belongs to the last delivery attempt of a
// message. Handlers use it to degrade instead of failing.
func FinalAttempt(ctx context.Context) bool {
	v, _ := ctx.Value(finalAttemptKey{}).(bool)
	return v
}

func withFinalAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, finalAttemptKey{}, true)
}

func permanent(err error) error {
	return backoff.Permanent(err)
}

// RetryConfig controls redelivery of failed messages.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// DeadLetterTopic receives messages that exhausted their attempts or
	// failed permanently. Empty disables dead-lettering, and exhausted
	// messages stop the subscription instead.
	DeadLetterTopic string
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	return c
}

// Handler returns a bus.Handler that runs Handle with exponential backoff.
// Messages that still fail are published to the dead letter topic and
// acknowledged. When the dead letter publish fails, or the context is done,
// the error is returned so the message is delivered again.
func (p *Processor) Handler(dlq bus.Publisher, cfg RetryConfig) bus.Handler {
	cfg = cfg.withDefaults()
	return func(ctx context.Context, msg bus.Message) error {
		lg := zctx.From(ctx).With(
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.ByteString("key", msg.Key),
		)
		ctx = zctx.Base(ctx, lg)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialInterval
		b.MaxInterval = cfg.MaxInterval

		attempt := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempt++
			actx := ctx
			if attempt >= cfg.MaxAttempts {
				actx = withFinalAttempt(ctx)
			}
			return struct{}{}, p.Handle(actx, msg)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(cfg.MaxAttempts)),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				lg.Warn("Projection failed, retrying",
					zap.Int("attempt", attempt),
					zap.Duration("backoff", next),
					zap.Error(err),
				)
			}),
		)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if cfg.DeadLetterTopic == "" || dlq == nil {
			return errors.Wrapf(err, "project message after %d attempts", attempt)
		}

		headers := make(map[string]string, len(msg.Headers)+2)
		for k, v := range msg.Headers {
			headers[k] = v
		}
		headers[bus.HeaderError] = err.Error()
		headers[HeaderAttempts] = strconv.Itoa(attempt)

		if perr := dlq.Publish(ctx, cfg.DeadLetterTopic, bus.Message{
			Key:     msg.Key,
			Value:   msg.Value,
			Headers: headers,
		}); perr != nil {
			return errors.Wrap(perr, "publish dead letter")
		}
		p.deadLettered.Add(ctx, 1)
		lg.Error("Message dead-lettered",
			zap.String("topic", cfg.DeadLetterTopic),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return nil
	}
}

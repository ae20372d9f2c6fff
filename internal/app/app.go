// Package app wires the command service, the projector and the admin server.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/orders-cqrs/db"
	"github.com/xenking/orders-cqrs/internal/admin"
	"github.com/xenking/orders-cqrs/internal/bus"
	"github.com/xenking/orders-cqrs/internal/bus/kafka"
	"github.com/xenking/orders-cqrs/internal/bus/memory"
	"github.com/xenking/orders-cqrs/internal/directory"
	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
	"github.com/xenking/orders-cqrs/internal/domain/user"
	"github.com/xenking/orders-cqrs/internal/projector"
	"github.com/xenking/orders-cqrs/internal/repository"
	memstore "github.com/xenking/orders-cqrs/internal/storage/memory"
	"github.com/xenking/orders-cqrs/internal/storage/sqlite"
	"github.com/xenking/orders-cqrs/pkg/health"
	"github.com/xenking/orders-cqrs/pkg/httpmiddleware"
)

// Components is the wired service. Close releases everything Build opened.
type Components struct {
	// Commands is exposed to embedding callers only; cmd/orders serves no
	// command transport.
	Commands  *order.Service
	Queries   *readmodel.QueryService
	Processor *projector.Processor
	Health    *health.Health

	subscriber bus.Subscriber
	dlq        bus.Publisher
	topic      string
	groupID    string
	retry      projector.RetryConfig

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (c *Components) Close() error {
	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.closers[i]())
	}
	c.closers = nil
	return err
}

func (c *Components) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Build connects the stores, bus and directory selected by cfg.
func Build(ctx context.Context, cfg *Config, tp trace.TracerProvider, mp metric.MeterProvider) (_ *Components, rerr error) {
	lg := zctx.From(ctx)
	c := &Components{
		Health:  health.New(),
		topic:   cfg.Kafka.Topic,
		groupID: cfg.Kafka.GroupID,
		retry: projector.RetryConfig{
			MaxAttempts:     cfg.Projector.MaxAttempts,
			InitialInterval: cfg.Projector.InitialBackoff,
			MaxInterval:     cfg.Projector.MaxBackoff,
			DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		},
	}
	defer func() {
		if rerr != nil {
			_ = c.Close()
		}
	}()
	c.Health.Add(health.Liveness, "goroutines", health.GoroutineCountCheck(10000))

	orders, err := c.writeStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rows, err := c.readStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	publisher, history, err := c.eventBus(ctx, cfg)
	if err != nil {
		return nil, err
	}
	users, err := c.directory(cfg, tp, mp)
	if err != nil {
		return nil, err
	}

	c.dlq = publisher
	c.Commands = order.NewService(orders, users, order.NewBusPublisher(publisher, cfg.Kafka.Topic),
		order.WithTelemetry(tp, mp),
	)
	c.Processor = projector.New(rows, users,
		projector.WithHistory(history, cfg.Kafka.Topic),
		projector.WithTelemetry(tp, mp),
	)
	c.Queries = readmodel.NewQueryService(rows)

	lg.Info("Components ready",
		zap.Bool("write_postgres", cfg.WriteDatabaseURL != ""),
		zap.String("read_driver", cfg.Read.Driver),
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
		zap.Bool("user_cache", cfg.Redis.Addr != ""),
	)
	return c, nil
}

func (c *Components) writeStore(ctx context.Context, cfg *Config) (order.Repository, error) {
	if cfg.WriteDatabaseURL == "" {
		return memstore.NewOrders(), nil
	}
	pool, err := repository.NewPool(ctx, cfg.WriteDatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create write pool")
	}
	c.onClose(func() error { pool.Close(); return nil })
	if err := repository.RunMigrations(ctx, pool, db.WriteSchema); err != nil {
		return nil, errors.Wrap(err, "migrate write store")
	}
	c.Health.Add(health.Readiness, "write_store", health.PingCheck("write store", pool), health.WithTimeout(5*time.Second))
	return repository.NewOrderRepository(pool), nil
}

func (c *Components) readStore(ctx context.Context, cfg *Config) (readmodel.Repository, error) {
	switch cfg.Read.Driver {
	case DriverMemory:
		return memstore.NewReadModels(), nil
	case DriverSQLite:
		store, err := sqlite.Open(cfg.Read.Path)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite read store")
		}
		c.onClose(store.Close)
		c.Health.Add(health.Readiness, "read_store", health.PingCheck("read store", store))
		return store, nil
	default:
		pool, err := repository.NewPool(ctx, cfg.Read.URL)
		if err != nil {
			return nil, errors.Wrap(err, "create read pool")
		}
		c.onClose(func() error { pool.Close(); return nil })
		if err := repository.RunMigrations(ctx, pool, db.ReadSchema); err != nil {
			return nil, errors.Wrap(err, "migrate read store")
		}
		c.Health.Add(health.Readiness, "read_store", health.PingCheck("read store", pool), health.WithTimeout(5*time.Second))
		return repository.NewReadModelRepository(pool), nil
	}
}

func (c *Components) eventBus(ctx context.Context, cfg *Config) (bus.Publisher, bus.Log, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		b := memory.New()
		c.subscriber = b
		return b, b, nil
	}

	brokers := cfg.Kafka.Brokers
	if err := kafka.EnsureTopics(ctx, brokers, cfg.Kafka.Partitions, cfg.Kafka.Topic, cfg.Kafka.DeadLetterTopic); err != nil {
		return nil, nil, errors.Wrap(err, "ensure kafka topics")
	}
	publisher := kafka.NewPublisher(brokers)
	c.onClose(publisher.Close)
	c.subscriber = kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers: brokers,
		Workers: cfg.Projector.Workers,
	})
	c.Health.Add(health.Readiness, "kafka", func(ctx context.Context) error {
		return kafka.Ping(ctx, brokers)
	}, health.WithTimeout(5*time.Second))
	return publisher, kafka.NewLog(brokers), nil
}

func (c *Components) directory(cfg *Config, tp trace.TracerProvider, mp metric.MeterProvider) (user.Directory, error) {
	if cfg.Directory.BaseURL == "" {
		return directory.NewStatic(), nil
	}
	client, err := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.Timeout,
		directory.WithTelemetry(tp, mp),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create directory client")
	}
	if cfg.Redis.Addr == "" {
		return client, nil
	}

	opts, err := redisOptions(cfg.Redis)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	c.onClose(rdb.Close)
	cached := directory.NewCached(client, rdb, directory.CacheConfig{
		TTL:         cfg.Directory.CacheTTL,
		NegativeTTL: cfg.Directory.NegativeTTL,
	})
	c.Health.Add(health.Readiness, "redis", health.PingCheck("redis", cached))
	return cached, nil
}

func redisOptions(cfg RedisConfig) (*redis.Options, error) {
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		opts, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		return opts, nil
	}
	return &redis.Options{Addr: cfg.Addr, DB: cfg.DB}, nil
}

// Consume runs the projector subscription until ctx is done. A subscription
// that stops on error is restarted with backoff; the failed message is
// delivered again.
func (c *Components) Consume(ctx context.Context) error {
	lg := zctx.From(ctx)
	handler := c.Processor.Handler(c.dlq, c.retry)

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	for {
		started := time.Now()
		err := c.subscriber.Subscribe(ctx, c.topic, c.groupID, handler)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		delay := b.NextBackOff()
		lg.Error("Projector subscription stopped",
			zap.Error(err),
			zap.Duration("restart_in", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Handler returns the instrumented admin HTTP handler.
func (c *Components) Handler(ctx context.Context, cfg *Config, tp trace.TracerProvider, mp metric.MeterProvider) http.Handler {
	router := admin.NewRouter(c.Queries, c.Processor, c.Health)
	return httpmiddleware.Wrap(
		otelhttp.NewHandler(router, "admin",
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithMeterProvider(mp),
		),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.LogRequests("/livez", "/readyz"),
		httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Rate:  cfg.Admin.RateLimit.Rate,
			Burst: cfg.Admin.RateLimit.Burst,
		}),
	)
}

// Run builds the service, then runs the projector and the admin server until
// ctx is cancelled, draining readiness before shutdown.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	ctx = zctx.Base(ctx, lg)
	tp, mp := m.TracerProvider(), m.MeterProvider()

	c, err := Build(ctx, cfg, tp, mp)
	if err != nil {
		return errors.Wrap(err, "build")
	}
	defer func() {
		if err := c.Close(); err != nil {
			lg.Error("Close components", zap.Error(err))
		}
	}()

	c.Health.Start(ctx, 10*time.Second)
	defer c.Health.Stop()

	server := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           c.Handler(ctx, cfg, tp, mp),
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Consume(gctx)
	})
	g.Go(func() error {
		lg.Info("Admin server listening", zap.String("addr", cfg.Admin.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "admin server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		c.Health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		lg.Info("Shutting down admin server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		return server.Shutdown(shutdownCtx)
	})

	c.Health.SetReady(true)
	return g.Wait()
}

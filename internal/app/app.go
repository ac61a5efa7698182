// =============================
// File: internal/app/app.go
// =============================
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/api"
	"github.com/rovshanmuradov/swapflow/internal/config"
	"github.com/rovshanmuradov/swapflow/internal/dex"
	"github.com/rovshanmuradov/swapflow/internal/events"
	"github.com/rovshanmuradov/swapflow/internal/queue"
	"github.com/rovshanmuradov/swapflow/internal/registry"
	"github.com/rovshanmuradov/swapflow/internal/storage"
	"github.com/rovshanmuradov/swapflow/internal/storage/gormstore"
	"github.com/rovshanmuradov/swapflow/internal/storage/memory"
	"github.com/rovshanmuradov/swapflow/internal/stream"
	"github.com/rovshanmuradov/swapflow/internal/utils/logger"
	"github.com/rovshanmuradov/swapflow/internal/utils/metrics"
	"github.com/rovshanmuradov/swapflow/internal/worker"
)

// storeWaitTimeout bounds how long Start waits for the first durable
// connection before recovering from memory alone.
const storeWaitTimeout = 5 * time.Second

// App owns every long-lived component of the service.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	metrics   *metrics.Collector
	connector *storage.Connector
	durable   bool
	registry  *registry.Registry
	hub       *events.Hub
	worker    *worker.Worker
	server    *api.Server
	shutdown  *ShutdownHandler
}

// New builds the component graph. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  log.WithComponent("app"),
		metrics: metrics.NewCollector(),
	}
	zl := log.Logger

	broker, err := newBroker(ctx, cfg, zl)
	if err != nil {
		return nil, err
	}

	var opener storage.Opener
	if cfg.Storage.DSN != "" {
		opener = func(ctx context.Context) (storage.Store, error) {
			s, err := gormstore.Open(ctx, gormstore.Config{
				DSN:           cfg.Storage.DSN,
				MaxOpenConns:  cfg.Storage.PoolMax,
				MaxIdleConns:  cfg.Storage.PoolMin,
				SlowThreshold: cfg.Storage.SlowQuery(),
				LogQueries:    cfg.Storage.LogQueries,
			}, zl)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	a.connector = storage.NewConnector(opener, storage.ConnectorOptions{
		InitialInterval: cfg.Storage.RetryInitial(),
		MaxInterval:     cfg.Storage.RetryMax(),
		HealthInterval:  cfg.Storage.HealthInterval(),
	}, zl)

	var durable storage.Provider
	if opener != nil {
		durable = a.connector
		a.durable = true
	}
	a.registry = registry.New(durable, memory.New(), a.metrics, zl)

	var hubOpts []events.Option
	var sink *stream.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err = stream.NewKafkaSink(stream.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Async:   true,
		}, zl)
		if err != nil {
			_ = broker.Close(ctx)
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		hubOpts = append(hubOpts, events.WithSink(sink))
	}
	a.hub = events.NewHub(zl, hubOpts...)

	venues := simulatedVenues(cfg.Venues, zl)
	a.worker = worker.New(worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		MaxAttempts: cfg.Worker.MaxAttempts,
		BuildDelay:  cfg.Worker.BuildDelay(),
	}, worker.Deps{
		Transactions: a.registry,
		Notifier:     a.hub,
		Quotes:       dex.NewQuoteSource(venues, a.metrics, zl),
		Venues:       venues,
		Broker:       broker,
		Metrics:      a.metrics,
		Logger:       zl,
	})

	a.server = api.New(api.Config{
		Addr:      cfg.Server.Addr(),
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, api.Deps{
		Registry:  a.registry,
		Hub:       a.hub,
		Processor: a.worker,
		Metrics:   a.metrics,
		Logger:    zl,
	})

	// closed in reverse order
	a.shutdown = NewShutdownHandler(zl, cfg.Server.ShutdownTimeout())
	a.shutdown.AddFunc("logger", func(context.Context) error { return log.Sync() })
	a.shutdown.Add("store", a.connector)
	if sink != nil {
		a.shutdown.Add("kafka", sink)
	}
	a.shutdown.AddFunc("hub", a.hub.Shutdown)
	a.shutdown.AddFunc("worker", a.worker.Terminate)
	a.shutdown.AddFunc("http", a.server.Shutdown)

	return a, nil
}

func newBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Broker, error) {
	opts := queue.Options{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BaseDelay:   cfg.Worker.Backoff(),
		MaxDelay:    cfg.Worker.MaxBackoff(),
	}
	if cfg.Queue.RedisURL == "" {
		return queue.NewMemoryBroker(opts, cfg.Queue.Capacity, logger), nil
	}

	client, err := queue.DialRedis(ctx, cfg.Queue.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect queue: %w", err)
	}
	return queue.NewRedisBroker(client, opts, queue.RedisConfig{
		Prefix:          cfg.Queue.Prefix,
		PollTimeout:     cfg.Queue.PollTimeout(),
		PromoteInterval: cfg.Queue.PromoteInterval(),
	}, logger), nil
}

func simulatedVenues(cfg config.VenuesConfig, logger *zap.Logger) dex.Venues {
	tune := func(c dex.SimulatedConfig) dex.SimulatedConfig {
		c.BasePrice = cfg.BasePrice
		c.QuoteLatency = cfg.QuoteLatency()
		c.SwapLatency = cfg.SwapLatency()
		c.SwapJitter = cfg.SwapJitter()
		c.FailureRate = cfg.FailureRate
		return c
	}
	return dex.Venues{
		dex.NewSimulatedVenue(tune(dex.RaydiumConfig()), logger),
		dex.NewSimulatedVenue(tune(dex.MeteoraConfig()), logger),
	}
}

// Handler exposes the HTTP router without a listener.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Start connects storage, starts the worker and re-enqueues transactions
// left unfinished by a previous run.
func (a *App) Start(ctx context.Context) error {
	a.connector.Start(ctx)
	if a.durable {
		a.waitForStore(ctx)
	}

	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	n, err := a.worker.Recover(ctx)
	if err != nil {
		a.logger.Warn("Recovery skipped", zap.Error(err))
	} else {
		a.logger.Info("Worker started",
			zap.Int("concurrency", a.cfg.Worker.Concurrency),
			zap.Int("max_attempts", a.cfg.Worker.MaxAttempts),
			zap.Int("recovered", n))
	}
	return nil
}

func (a *App) waitForStore(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, storeWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for a.connector.Current() == nil {
		select {
		case <-ctx.Done():
			a.logger.Warn("Durable store not ready, recovering from memory tier")
			return
		case <-ticker.C:
		}
	}
}

// Run starts the service and serves HTTP until ctx is cancelled or the
// process receives SIGINT/SIGTERM, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", zap.String("addr", a.cfg.Server.Addr()))
		errCh <- a.server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error("HTTP server failed", zap.Error(serveErr))
		}
	}

	// attempts in flight finish on their own context, not the cancelled one
	return errors.Join(serveErr, a.Shutdown(context.Background()))
}

// Shutdown stops the HTTP server, drains the worker, closes subscribers,
// sinks and storage, and flushes the logger.
func (a *App) Shutdown(ctx context.Context) error {
	return a.shutdown.Shutdown(ctx)
}

// Run builds and runs the service.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

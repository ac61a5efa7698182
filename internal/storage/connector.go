// internal/storage/connector.go
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Opener establishes a connection to the durable store.
type Opener func(ctx context.Context) (Store, error)

// ConnectorOptions tune the reconnect loop.
type ConnectorOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	HealthInterval  time.Duration
	PingTimeout     time.Duration
}

// DefaultConnectorOptions возвращает настройки по умолчанию.
func DefaultConnectorOptions() ConnectorOptions {
	return ConnectorOptions{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		HealthInterval:  15 * time.Second,
		PingTimeout:     3 * time.Second,
	}
}

// Connector keeps a durable store connection alive in the background.
// Current returns nil whenever the store is not reachable, which lets
// callers pick a storage tier per call.
type Connector struct {
	open   Opener
	opts   ConnectorOptions
	logger *zap.Logger

	mu      sync.RWMutex
	current Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnector creates a connector. A nil opener yields a connector that
// never provides a durable store.
func NewConnector(open Opener, opts ConnectorOptions, logger *zap.Logger) *Connector {
	def := DefaultConnectorOptions()
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = def.HealthInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = def.PingTimeout
	}
	return &Connector{
		open:   open,
		opts:   opts,
		logger: logger.Named("store_connector"),
		done:   make(chan struct{}),
	}
}

// Current returns the durable store or nil.
func (c *Connector) Current() Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Start launches the connect/health loop. It returns immediately.
func (c *Connector) Start(ctx context.Context) {
	if c.open == nil {
		c.logger.Info("Durable store not configured, using in-memory storage only")
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Close stops the loop and closes the current connection.
func (c *Connector) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	c.mu.Lock()
	store := c.current
	c.current = nil
	c.mu.Unlock()

	if store != nil {
		return store.Close()
	}
	return nil
}

func (c *Connector) run(ctx context.Context) {
	defer close(c.done)

	for {
		store, err := c.connect(ctx)
		if err != nil {
			// only a cancelled context stops the retry loop
			return
		}
		c.set(store)
		c.logger.Info("Durable store connected")

		c.watch(ctx, store)
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Connector) connect(ctx context.Context) (Store, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval

	return backoff.Retry(ctx, func() (Store, error) {
		return c.open(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("Durable store unavailable, retrying",
				zap.Error(err),
				zap.Duration("next_attempt", next))
		}),
	)
}

// watch pings the store until it fails or ctx ends. On failure the store is
// demoted so callers fall back to memory while reconnecting.
func (c *Connector) watch(ctx context.Context, store Store) {
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.PingTimeout)
			err := store.Ping(pingCtx)
			cancel()
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}

			c.logger.Warn("Durable store health check failed, falling back to memory", zap.Error(err))
			c.set(nil)
			if cerr := store.Close(); cerr != nil {
				c.logger.Debug("Closing failed store", zap.Error(cerr))
			}
			return
		}
	}
}

func (c *Connector) set(store Store) {
	c.mu.Lock()
	c.current = store
	c.mu.Unlock()
}

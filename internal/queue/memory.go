// internal/queue/memory.go
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

type jobState int

const (
	jobWaiting jobState = iota
	jobDelayed
	jobActive
)

// MemoryBroker is an in-process broker: a buffered channel drained by a
// fixed worker pool, with delayed retries scheduled on timers. Jobs do not
// survive a restart.
type MemoryBroker struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]jobState
	timers  map[string]*time.Timer
	closed  bool
	started bool

	queue   chan domain.WorkItem
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates a broker holding up to capacity waiting jobs.
func NewMemoryBroker(opts Options, capacity int, logger *zap.Logger) *MemoryBroker {
	if capacity <= 0 {
		capacity = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBroker{
		opts:   opts.normalized(),
		logger: logger.Named("memory_queue"),
		jobs:   make(map[string]jobState),
		timers: make(map[string]*time.Timer),
		queue:  make(chan domain.WorkItem, capacity),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *MemoryBroker) Enqueue(_ context.Context, item domain.WorkItem) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.ErrQueueClosed
	}
	if _, exists := b.jobs[item.TransactionID]; exists {
		b.mu.Unlock()
		b.logger.Debug("Job already scheduled, skipping", zap.String("transaction_id", item.TransactionID))
		return nil
	}
	b.jobs[item.TransactionID] = jobWaiting
	b.mu.Unlock()

	select {
	case b.queue <- item:
		return nil
	default:
		b.mu.Lock()
		delete(b.jobs, item.TransactionID)
		b.mu.Unlock()
		return fmt.Errorf("%w: queue is full", domain.ErrQueueUnavailable)
	}
}

func (b *MemoryBroker) Start(handler Handler, concurrency int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}
	if b.closed {
		return domain.ErrQueueClosed
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	b.started = true
	b.handler = handler

	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	b.logger.Info("Queue workers started", zap.Int("concurrency", concurrency))
	return nil
}

func (b *MemoryBroker) worker(id int) {
	defer b.wg.Done()

	logger := b.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for {
		select {
		case <-b.ctx.Done():
			logger.Debug("Worker stopping")
			return
		case item := <-b.queue:
			b.process(logger, item)
		}
	}
}

func (b *MemoryBroker) process(logger *zap.Logger, item domain.WorkItem) {
	b.mu.Lock()
	b.jobs[item.TransactionID] = jobActive
	b.mu.Unlock()

	// attempts are not cancelled by Close; they run to completion
	err := runHandler(context.WithoutCancel(b.ctx), logger, b.handler, item)
	result, next, delay := b.opts.decide(item, err)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch result {
	case outcomeCompleted:
		delete(b.jobs, item.TransactionID)
		b.completed.Add(1)
	case outcomeFailed:
		delete(b.jobs, item.TransactionID)
		b.failed.Add(1)
		logger.Info("Job failed permanently",
			zap.String("transaction_id", item.TransactionID),
			zap.Int("attempts", item.RetryCount+1),
			zap.Error(err))
	case outcomeRetry:
		if b.closed {
			delete(b.jobs, item.TransactionID)
			logger.Warn("Dropping retry during shutdown", zap.String("transaction_id", item.TransactionID))
			return
		}
		b.jobs[item.TransactionID] = jobDelayed
		b.timers[item.TransactionID] = time.AfterFunc(delay, func() { b.promote(next) })
		logger.Debug("Job scheduled for retry",
			zap.String("transaction_id", item.TransactionID),
			zap.Int("attempt", next.RetryCount+1),
			zap.Duration("delay", delay))
	}
}

// promote moves a delayed job back to the waiting queue.
func (b *MemoryBroker) promote(item domain.WorkItem) {
	b.mu.Lock()
	delete(b.timers, item.TransactionID)
	if b.closed {
		delete(b.jobs, item.TransactionID)
		b.mu.Unlock()
		return
	}
	b.jobs[item.TransactionID] = jobWaiting
	b.mu.Unlock()

	select {
	case b.queue <- item:
	case <-b.ctx.Done():
		b.mu.Lock()
		delete(b.jobs, item.TransactionID)
		b.mu.Unlock()
	}
}

func (b *MemoryBroker) Counts(context.Context) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var c Counts
	for _, st := range b.jobs {
		switch st {
		case jobWaiting:
			c.Waiting++
		case jobDelayed:
			c.Delayed++
		case jobActive:
			c.Active++
		}
	}
	c.Completed = int(b.completed.Load())
	c.Failed = int(b.failed.Load())
	return c, nil
}

// Close stops admission, cancels pending retries and waits for running
// attempts. Waiting and delayed jobs are dropped.
func (b *MemoryBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
		delete(b.jobs, id)
	}
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Queue stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Queue shutdown timeout, attempts still running")
		return ctx.Err()
	}
}

// internal/worker/worker.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/dex"
	"github.com/rovshanmuradov/swapflow/internal/domain"
	"github.com/rovshanmuradov/swapflow/internal/queue"
	"github.com/rovshanmuradov/swapflow/internal/utils/metrics"
)

// Transactions is the slice of the registry the worker drives.
type Transactions interface {
	Find(ctx context.Context, id string) (domain.Transaction, bool)
	Update(ctx context.Context, id string, patch domain.Patch) (domain.Transaction, error)
	SetStatus(ctx context.Context, id string, status domain.TransactionState) (domain.Transaction, error)
	MarkConfirmed(ctx context.Context, id, txHash string, price float64) (domain.Transaction, error)
	MarkFailed(ctx context.Context, id, errMsg string, retryCount int) (domain.Transaction, error)
	ListPending(ctx context.Context) ([]domain.Transaction, error)
}

// Notifier broadcasts lifecycle events.
type Notifier interface {
	Publish(txID string, status domain.TransactionState, data *domain.EventData)
	ActiveSubscriptionCount() int
}

// Quoter collects quotations from every configured venue.
type Quoter interface {
	Quotations(ctx context.Context, tokenIn, tokenOut string, amount float64) []domain.PriceQuotation
}

// Config controls the worker pool.
type Config struct {
	Concurrency int
	MaxAttempts int
	// BuildDelay is the pause spent in the building phase.
	BuildDelay time.Duration
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Transactions Transactions
	Notifier     Notifier
	Quotes       Quoter
	Venues       dex.Venues
	Broker       queue.Broker
	Metrics      *metrics.Collector
	Logger       *zap.Logger
}

// Metrics is the snapshot served by RetrieveMetrics.
type Metrics struct {
	Queue               queue.Counts `json:"queue"`
	ActiveSubscriptions int          `json:"websockets"`
}

// Worker executes queued transactions through the routing, building,
// submission and execution phases.
type Worker struct {
	cfg    Config
	txs    Transactions
	notify Notifier
	quotes Quoter
	venues dex.Venues
	broker queue.Broker
	stats  *metrics.Collector
	logger *zap.Logger

	locks *keyedMutex

	mu         sync.Mutex
	started    bool
	terminated bool
}

// New creates a worker. Start must be called to begin consuming.
func New(cfg Config, deps Deps) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BuildDelay < 0 {
		cfg.BuildDelay = 0
	}
	return &Worker{
		cfg:    cfg,
		txs:    deps.Transactions,
		notify: deps.Notifier,
		quotes: deps.Quotes,
		venues: deps.Venues,
		broker: deps.Broker,
		stats:  deps.Metrics,
		logger: deps.Logger.Named("worker"),
		locks:  newKeyedMutex(),
	}
}

// Start registers ExecuteTask with the broker.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return domain.ErrQueueClosed
	}
	if w.started {
		return queue.ErrAlreadyStarted
	}
	if err := w.broker.Start(w.ExecuteTask, w.cfg.Concurrency); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	w.started = true

	w.logger.Info("Transaction worker active",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Int("max_attempts", w.cfg.MaxAttempts))
	return nil
}

// Enqueue schedules the first attempt. If the broker rejects the job the
// transaction is marked failed and the error is returned.
func (w *Worker) Enqueue(ctx context.Context, tx domain.Transaction) error {
	item := domain.WorkItem{TransactionID: tx.ID, RetryCount: tx.RetryCount}
	if err := w.broker.Enqueue(ctx, item); err != nil {
		w.logger.Error("Failed to enqueue transaction", zap.String("transaction_id", tx.ID), zap.Error(err))

		msg := "failed to queue: " + err.Error()
		if _, uerr := w.txs.MarkFailed(ctx, tx.ID, msg, tx.RetryCount); uerr != nil {
			w.logger.Error("Failed to record enqueue failure", zap.String("transaction_id", tx.ID), zap.Error(uerr))
		}
		w.notify.Publish(tx.ID, domain.StateFailed, failedData(msg))
		w.stats.RecordTransaction(string(domain.StateFailed), tx.SelectedDex)
		return err
	}

	w.logger.Info("Transaction enqueued", zap.String("transaction_id", tx.ID))
	return nil
}

// ExecuteTask runs one attempt for item. A returned error wrapped with
// backoff.Permanent tells the broker the transaction is finished.
func (w *Worker) ExecuteTask(ctx context.Context, item domain.WorkItem) error {
	unlock := w.locks.Lock(item.TransactionID)
	defer unlock()

	logger := w.logger.With(
		zap.String("transaction_id", item.TransactionID),
		zap.Int("attempt", item.RetryCount+1),
		zap.Int("max_attempts", w.cfg.MaxAttempts))

	tx, ok := w.txs.Find(ctx, item.TransactionID)
	if !ok {
		logger.Warn("Transaction not found")
		return domain.ErrTransactionNotFound
	}
	if tx.Status.IsTerminal() {
		logger.Info("Transaction already finished, skipping", zap.String("status", string(tx.Status)))
		return nil
	}

	logger.Info("Processing transaction",
		zap.String("token_in", tx.TokenIn),
		zap.String("token_out", tx.TokenOut),
		zap.Float64("amount", tx.Amount))

	start := time.Now()
	selected, err := w.run(ctx, logger, tx)
	if err == nil {
		w.stats.ObserveAttempt("success", time.Since(start))
		w.stats.RecordTransaction(string(domain.StateConfirmed), selected)
		return nil
	}

	return w.handleFailure(ctx, logger, tx, item, selected, err, time.Since(start))
}

// run walks the phases and returns the selected venue name.
func (w *Worker) run(ctx context.Context, logger *zap.Logger, tx domain.Transaction) (string, error) {
	// Phase 1: routing
	w.notify.Publish(tx.ID, domain.StateRouting, routingStartData())

	quotes := w.quotes.Quotations(ctx, tx.TokenIn, tx.TokenOut, tx.Amount)
	selection, err := dex.SelectBest(quotes)
	if err != nil {
		return "", err
	}
	venue, err := w.venues.ByName(selection.Venue)
	if err != nil {
		return selection.Venue, err
	}

	if _, err := w.txs.Update(ctx, tx.ID, domain.Patch{
		Status:      domain.Ptr(domain.StateRouting),
		SelectedDex: domain.Ptr(selection.Venue),
	}); err != nil {
		return selection.Venue, fmt.Errorf("record routing: %w", err)
	}
	w.notify.Publish(tx.ID, domain.StateRouting, selectedData(selection))
	logger.Info("Venue selected", zap.String("dex", selection.Venue), zap.String("justification", selection.Justification))

	// Phase 2: building
	w.notify.Publish(tx.ID, domain.StateBuilding, buildingData())
	if _, err := w.txs.SetStatus(ctx, tx.ID, domain.StateBuilding); err != nil {
		return selection.Venue, fmt.Errorf("record building: %w", err)
	}
	if err := pause(ctx, w.cfg.BuildDelay); err != nil {
		return selection.Venue, err
	}

	// Phase 3: submission
	w.notify.Publish(tx.ID, domain.StateSubmitted, submittedData())
	if _, err := w.txs.SetStatus(ctx, tx.ID, domain.StateSubmitted); err != nil {
		return selection.Venue, fmt.Errorf("record submission: %w", err)
	}

	// Phase 4: execution
	result, err := venue.Swap(ctx, dex.SwapRequest{
		TransactionID: tx.ID,
		TokenIn:       tx.TokenIn,
		TokenOut:      tx.TokenOut,
		Amount:        tx.Amount,
		Slippage:      tx.Slippage,
		Quote:         selection.Quote,
	})
	if err != nil {
		return selection.Venue, fmt.Errorf("swap on %s: %w", selection.Venue, err)
	}
	logger.Info("Swap executed",
		zap.String("tx_hash", result.TxHash),
		zap.Float64("executed_price", result.ExecutedPrice))

	if _, err := w.txs.MarkConfirmed(ctx, tx.ID, result.TxHash, result.ExecutedPrice); err != nil {
		return selection.Venue, fmt.Errorf("record confirmation: %w", err)
	}
	w.notify.Publish(tx.ID, domain.StateConfirmed, confirmedData(result, selection.Venue))
	logger.Info("Transaction confirmed")
	return selection.Venue, nil
}

// handleFailure applies the retry policy after a failed attempt.
func (w *Worker) handleFailure(ctx context.Context, logger *zap.Logger, tx domain.Transaction, item domain.WorkItem, selected string, cause error, elapsed time.Duration) error {
	prior := max(item.RetryCount, tx.RetryCount)
	msg := cause.Error()

	if prior >= w.cfg.MaxAttempts-1 {
		logger.Error("Transaction permanently failed", zap.Error(cause))
		if _, err := w.txs.MarkFailed(ctx, tx.ID, msg, prior+1); err != nil {
			logger.Error("Failed to record failure", zap.Error(err))
		}
		w.notify.Publish(tx.ID, domain.StateFailed, failedData(msg))
		w.stats.ObserveAttempt("failed", elapsed)
		w.stats.RecordTransaction(string(domain.StateFailed), selected)
		return backoff.Permanent(cause)
	}

	logger.Warn("Attempt failed, will retry", zap.Error(cause))
	if _, err := w.txs.Update(ctx, tx.ID, domain.Patch{
		Status:       domain.Ptr(domain.StatePending),
		RetryCount:   domain.Ptr(prior + 1),
		ErrorMessage: domain.Ptr(msg),
	}); err != nil {
		logger.Error("Failed to record retry", zap.Error(err))
		if errors.Is(err, domain.ErrInvalidTransition) {
			// record is already terminal; nothing left to retry
			return backoff.Permanent(err)
		}
	}
	w.notify.Publish(tx.ID, domain.StatePending, retryingData(msg, prior+1))
	w.stats.ObserveAttempt("retry", elapsed)
	return cause
}

// RetrieveMetrics reports broker counters and live subscriptions, and
// refreshes the queue gauges.
func (w *Worker) RetrieveMetrics(ctx context.Context) (Metrics, error) {
	counts, err := w.broker.Counts(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("queue counts: %w", err)
	}
	w.stats.SetQueue(metrics.QueueSnapshot{
		Waiting:   counts.Waiting,
		Delayed:   counts.Delayed,
		Active:    counts.Active,
		Completed: counts.Completed,
		Failed:    counts.Failed,
	})
	return Metrics{
		Queue:               counts,
		ActiveSubscriptions: w.notify.ActiveSubscriptionCount(),
	}, nil
}

// Recover re-enqueues every non-terminal transaction. Transactions caught
// mid-attempt by a restart are reset to pending first.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	pending, err := w.txs.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	recovered := 0
	for _, tx := range pending {
		if tx.Status != domain.StatePending {
			updated, err := w.txs.SetStatus(ctx, tx.ID, domain.StatePending)
			if err != nil {
				w.logger.Warn("Failed to reset transaction", zap.String("transaction_id", tx.ID), zap.Error(err))
				continue
			}
			tx = updated
		}
		if err := w.Enqueue(ctx, tx); err != nil {
			continue
		}
		recovered++
	}

	if recovered > 0 {
		w.logger.Info("Recovered pending transactions", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Terminate stops admission, waits for in-flight attempts and releases the
// broker. Safe to call more than once.
func (w *Worker) Terminate(ctx context.Context) error {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return nil
	}
	w.terminated = true
	w.mu.Unlock()

	w.logger.Info("Stopping transaction worker")
	if err := w.broker.Close(ctx); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

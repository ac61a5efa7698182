package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/swapflow/internal/dex"
	"github.com/rovshanmuradov/swapflow/internal/domain"
	"github.com/rovshanmuradov/swapflow/internal/events"
	"github.com/rovshanmuradov/swapflow/internal/queue"
	"github.com/rovshanmuradov/swapflow/internal/registry"
	"github.com/rovshanmuradov/swapflow/internal/storage/memory"
	"github.com/rovshanmuradov/swapflow/internal/utils/metrics"
)

// MockVenue quotes a fixed price and fails the first swapFailures swaps.
type MockVenue struct {
	name         string
	price        float64
	fee          float64
	quoteErr     error
	swapFailures int
	swapDelay    time.Duration

	mu       sync.Mutex
	swaps    int
	inFlight int
	overlap  bool
}

func (m *MockVenue) Name() string { return m.name }

func (m *MockVenue) Quote(_ context.Context, _, _ string, amount float64) (domain.PriceQuotation, error) {
	if m.quoteErr != nil {
		return domain.PriceQuotation{}, m.quoteErr
	}
	return domain.PriceQuotation{
		Venue:           m.name,
		Price:           m.price,
		Fee:             m.fee,
		EstimatedOutput: amount * m.price,
		Timestamp:       time.Now(),
	}, nil
}

func (m *MockVenue) Swap(_ context.Context, req dex.SwapRequest) (domain.ExecutionResult, error) {
	m.mu.Lock()
	m.swaps++
	attempt := m.swaps
	m.inFlight++
	if m.inFlight > 1 {
		m.overlap = true
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.swapDelay > 0 {
		time.Sleep(m.swapDelay)
	}
	if attempt <= m.swapFailures {
		return domain.ExecutionResult{}, fmt.Errorf("venue timeout %d", attempt)
	}
	return domain.ExecutionResult{
		TxHash:        "hash-" + req.TransactionID,
		ExecutedPrice: req.Quote.Price,
		NetAmount:     req.Amount * req.Quote.Price * (1 - req.Quote.Fee),
		Venue:         m.name,
		Timestamp:     time.Now(),
	}, nil
}

func (m *MockVenue) swapCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swaps
}

// recordingTransactions wraps the registry and keeps every persisted state.
type recordingTransactions struct {
	*registry.Registry

	mu      sync.Mutex
	history []domain.Transaction
}

func (r *recordingTransactions) record(tx domain.Transaction, err error) (domain.Transaction, error) {
	if err == nil {
		r.mu.Lock()
		r.history = append(r.history, tx)
		r.mu.Unlock()
	}
	return tx, err
}

func (r *recordingTransactions) Update(ctx context.Context, id string, patch domain.Patch) (domain.Transaction, error) {
	return r.record(r.Registry.Update(ctx, id, patch))
}

func (r *recordingTransactions) SetStatus(ctx context.Context, id string, status domain.TransactionState) (domain.Transaction, error) {
	return r.record(r.Registry.SetStatus(ctx, id, status))
}

func (r *recordingTransactions) MarkConfirmed(ctx context.Context, id, txHash string, price float64) (domain.Transaction, error) {
	return r.record(r.Registry.MarkConfirmed(ctx, id, txHash, price))
}

func (r *recordingTransactions) MarkFailed(ctx context.Context, id, errMsg string, retryCount int) (domain.Transaction, error) {
	return r.record(r.Registry.MarkFailed(ctx, id, errMsg, retryCount))
}

func (r *recordingTransactions) states() []domain.TransactionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TransactionState, 0, len(r.history))
	for _, tx := range r.history {
		out = append(out, tx.Status)
	}
	return out
}

// failingBroker rejects every job.
type failingBroker struct{}

func (failingBroker) Enqueue(context.Context, domain.WorkItem) error {
	return fmt.Errorf("%w: connection refused", domain.ErrQueueUnavailable)
}
func (failingBroker) Start(queue.Handler, int) error { return nil }

func (failingBroker) Counts(context.Context) (queue.Counts, error) { return queue.Counts{}, nil }

func (failingBroker) Close(context.Context) error { return nil }

type fixture struct {
	worker *Worker
	txs    *recordingTransactions
	hub    *events.Hub
	broker queue.Broker
}

func newFixture(t *testing.T, attempts int, venues ...dex.Venue) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	broker := queue.NewMemoryBroker(queue.Options{MaxAttempts: attempts, BaseDelay: 5 * time.Millisecond}, 16, logger)
	return newFixtureWithBroker(t, attempts, broker, venues...)
}

func newFixtureWithBroker(t *testing.T, attempts int, broker queue.Broker, venues ...dex.Venue) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	txs := &recordingTransactions{Registry: registry.New(nil, memory.New(), nil, logger)}
	hub := events.NewHub(logger)
	collector := metrics.NewCollector()

	w := New(Config{Concurrency: 2, MaxAttempts: attempts}, Deps{
		Transactions: txs,
		Notifier:     hub,
		Quotes:       dex.NewQuoteSource(venues, collector, logger),
		Venues:       venues,
		Broker:       broker,
		Metrics:      collector,
		Logger:       logger,
	})
	t.Cleanup(func() {
		_ = w.Terminate(context.Background())
		_ = hub.Shutdown(context.Background())
	})
	return &fixture{worker: w, txs: txs, hub: hub, broker: broker}
}

func (f *fixture) submit(t *testing.T) (domain.Transaction, *events.ChannelSubscriber) {
	t.Helper()
	tx, err := f.txs.Create(context.Background(), domain.Submission{TokenIn: "SOL", TokenOut: "USDC", Amount: 100})
	require.NoError(t, err)
	sub := events.NewChannelSubscriber(64)
	f.hub.Subscribe(tx.ID, sub)
	return tx, sub
}

// collect reads events until one with a terminal status arrives.
func collect(t *testing.T, sub *events.ChannelSubscriber) []domain.StatusEvent {
	t.Helper()
	var out []domain.StatusEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case payload := <-sub.Events():
			var e domain.StatusEvent
			require.NoError(t, json.Unmarshal(payload, &e))
			out = append(out, e)
			if e.Status.IsTerminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("no terminal event, got %d events", len(out))
			return out
		}
	}
}

func statuses(evts []domain.StatusEvent) []domain.TransactionState {
	out := make([]domain.TransactionState, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Status)
	}
	return out
}

func TestWorkerFullPipeline(t *testing.T) {
	cheap := &MockVenue{name: "raydium", price: 1.00, fee: 0.003}
	best := &MockVenue{name: "meteora", price: 1.01, fee: 0.002}
	f := newFixture(t, 3, cheap, best)
	require.NoError(t, f.worker.Start(context.Background()))

	tx, sub := f.submit(t)
	require.NoError(t, f.worker.Enqueue(context.Background(), tx))

	evts := collect(t, sub)
	assert.Equal(t, []domain.TransactionState{
		domain.StateRouting,
		domain.StateRouting,
		domain.StateBuilding,
		domain.StateSubmitted,
		domain.StateConfirmed,
	}, statuses(evts))

	assert.Equal(t, "Comparing prices...", evts[0].Data.Message)
	assert.Equal(t, "Selected meteora", evts[1].Data.Message)
	assert.Equal(t, "meteora", evts[1].Data.SelectedDex)
	assert.True(t, strings.HasPrefix(evts[1].Data.Justification, "Best price: "))
	assert.Equal(t, "Transaction executed!", evts[4].Data.Message)
	assert.Equal(t, "hash-"+tx.ID, evts[4].Data.TxHash)
	require.NotNil(t, evts[4].Data.ExecutedPrice)
	assert.InDelta(t, 1.01, *evts[4].Data.ExecutedPrice, 1e-9)

	assert.Equal(t, []domain.TransactionState{
		domain.StateRouting,
		domain.StateBuilding,
		domain.StateSubmitted,
		domain.StateConfirmed,
	}, f.txs.states())

	prev := tx.UpdatedAt
	f.txs.mu.Lock()
	for _, h := range f.txs.history {
		assert.False(t, h.UpdatedAt.Before(prev), "updatedAt went backwards")
		prev = h.UpdatedAt
	}
	f.txs.mu.Unlock()

	stored, ok := f.txs.Find(context.Background(), tx.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateConfirmed, stored.Status)
	assert.Equal(t, "meteora", stored.SelectedDex)
	assert.Equal(t, "hash-"+tx.ID, stored.TxHash)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, 0, cheap.swapCount())
	assert.Equal(t, 1, best.swapCount())
}

func TestWorkerFailsAfterMaxAttempts(t *testing.T) {
	const attempts = 3
	venue := &MockVenue{name: "raydium", price: 1, fee: 0.003, swapFailures: 100}
	f := newFixture(t, attempts, venue)
	require.NoError(t, f.worker.Start(context.Background()))

	tx, sub := f.submit(t)
	require.NoError(t, f.worker.Enqueue(context.Background(), tx))

	evts := collect(t, sub)
	last := evts[len(evts)-1]
	assert.Equal(t, domain.StateFailed, last.Status)
	assert.Equal(t, "Transaction failed", last.Data.Message)
	assert.Contains(t, last.Data.ErrorMessage, "venue timeout 3")

	var retries int
	for _, e := range evts {
		if e.Status == domain.StatePending {
			retries++
			assert.Equal(t, "Retrying...", e.Data.Message)
		}
	}
	assert.Equal(t, attempts-1, retries)

	stored, ok := f.txs.Find(context.Background(), tx.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateFailed, stored.Status)
	assert.Equal(t, attempts, stored.RetryCount)
	assert.NotEmpty(t, stored.ErrorMessage)
	assert.Equal(t, attempts, venue.swapCount())

	require.Eventually(t, func() bool {
		m, err := f.worker.RetrieveMetrics(context.Background())
		return err == nil && m.Queue.Failed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerRecoversAfterTransientFailures(t *testing.T) {
	const attempts = 3
	venue := &MockVenue{name: "raydium", price: 1, fee: 0.003, swapFailures: attempts - 1}
	f := newFixture(t, attempts, venue)
	require.NoError(t, f.worker.Start(context.Background()))

	tx, sub := f.submit(t)
	require.NoError(t, f.worker.Enqueue(context.Background(), tx))

	evts := collect(t, sub)
	assert.Equal(t, domain.StateConfirmed, evts[len(evts)-1].Status)

	stored, ok := f.txs.Find(context.Background(), tx.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateConfirmed, stored.Status)
	assert.Equal(t, attempts-1, stored.RetryCount)
	assert.Equal(t, attempts, venue.swapCount())
}

func TestWorkerNoQuotes(t *testing.T) {
	venue := &MockVenue{name: "raydium", quoteErr: errors.New("rpc down")}
	f := newFixture(t, 1, venue)
	require.NoError(t, f.worker.Start(context.Background()))

	tx, sub := f.submit(t)
	require.NoError(t, f.worker.Enqueue(context.Background(), tx))

	evts := collect(t, sub)
	last := evts[len(evts)-1]
	assert.Equal(t, domain.StateFailed, last.Status)
	assert.Equal(t, domain.ErrNoQuotesAvailable.Error(), last.Data.ErrorMessage)

	stored, _ := f.txs.Find(context.Background(), tx.ID)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Empty(t, stored.SelectedDex)
}

func TestWorkerEnqueueFailure(t *testing.T) {
	venue := &MockVenue{name: "raydium", price: 1}
	f := newFixtureWithBroker(t, 3, failingBroker{}, venue)

	tx, sub := f.submit(t)
	err := f.worker.Enqueue(context.Background(), tx)
	require.ErrorIs(t, err, domain.ErrQueueUnavailable)

	evts := collect(t, sub)
	require.Len(t, evts, 1)
	assert.Equal(t, domain.StateFailed, evts[0].Status)

	stored, ok := f.txs.Find(context.Background(), tx.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateFailed, stored.Status)
	assert.True(t, strings.HasPrefix(stored.ErrorMessage, "failed to queue: "))
}

func TestExecuteTask(t *testing.T) {
	t.Run("missing transaction", func(t *testing.T) {
		f := newFixture(t, 3, &MockVenue{name: "raydium", price: 1})
		err := f.worker.ExecuteTask(context.Background(), domain.WorkItem{TransactionID: "nope"})
		assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
		assert.False(t, queue.IsPermanent(err))
	})

	t.Run("terminal transaction is skipped", func(t *testing.T) {
		venue := &MockVenue{name: "raydium", price: 1}
		f := newFixture(t, 3, venue)
		tx, _ := f.submit(t)
		_, err := f.txs.MarkFailed(context.Background(), tx.ID, "cancelled", 0)
		require.NoError(t, err)

		assert.NoError(t, f.worker.ExecuteTask(context.Background(), domain.WorkItem{TransactionID: tx.ID}))
		assert.Equal(t, 0, venue.swapCount())
	})

	t.Run("last attempt returns permanent error", func(t *testing.T) {
		venue := &MockVenue{name: "raydium", price: 1, swapFailures: 1}
		f := newFixture(t, 2, venue)
		tx, _ := f.submit(t)

		err := f.worker.ExecuteTask(context.Background(), domain.WorkItem{TransactionID: tx.ID, RetryCount: 1})
		require.Error(t, err)
		assert.True(t, queue.IsPermanent(err))

		stored, _ := f.txs.Find(context.Background(), tx.ID)
		assert.Equal(t, domain.StateFailed, stored.Status)
		assert.Equal(t, 2, stored.RetryCount)
	})

	t.Run("earlier attempt returns retryable error", func(t *testing.T) {
		venue := &MockVenue{name: "raydium", price: 1, swapFailures: 1}
		f := newFixture(t, 2, venue)
		tx, _ := f.submit(t)

		err := f.worker.ExecuteTask(context.Background(), domain.WorkItem{TransactionID: tx.ID})
		require.Error(t, err)
		assert.False(t, queue.IsPermanent(err))

		stored, _ := f.txs.Find(context.Background(), tx.ID)
		assert.Equal(t, domain.StatePending, stored.Status)
		assert.Equal(t, 1, stored.RetryCount)
		assert.Equal(t, "swap on raydium: venue timeout 1", stored.ErrorMessage)
	})
}

func TestExecuteTaskSerializesPerTransaction(t *testing.T) {
	venue := &MockVenue{name: "raydium", price: 1, swapDelay: 30 * time.Millisecond}
	f := newFixture(t, 3, venue)
	tx, _ := f.submit(t)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.worker.ExecuteTask(context.Background(), domain.WorkItem{TransactionID: tx.ID}); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), failures.Load())
	assert.Equal(t, 1, venue.swapCount(), "later attempts see a confirmed transaction")
	assert.False(t, venue.overlap)
	assert.Equal(t, 0, f.worker.locks.size())
}

func TestWorkerRecover(t *testing.T) {
	venue := &MockVenue{name: "raydium", price: 1}
	f := newFixture(t, 3, venue)

	stuck, stuckSub := f.submit(t)
	_, err := f.txs.SetStatus(context.Background(), stuck.ID, domain.StateRouting)
	require.NoError(t, err)
	fresh, freshSub := f.submit(t)
	done, _ := f.submit(t)
	_, err = f.txs.MarkFailed(context.Background(), done.ID, "boom", 1)
	require.NoError(t, err)

	require.NoError(t, f.worker.Start(context.Background()))
	n, err := f.worker.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, sub := range []*events.ChannelSubscriber{stuckSub, freshSub} {
		evts := collect(t, sub)
		assert.Equal(t, domain.StateConfirmed, evts[len(evts)-1].Status)
	}

	for _, id := range []string{stuck.ID, fresh.ID} {
		stored, _ := f.txs.Find(context.Background(), id)
		assert.Equal(t, domain.StateConfirmed, stored.Status, id)
	}
	failed, _ := f.txs.Find(context.Background(), done.ID)
	assert.Equal(t, domain.StateFailed, failed.Status)
}

func TestWorkerLifecycle(t *testing.T) {
	venue := &MockVenue{name: "raydium", price: 1}
	f := newFixture(t, 3, venue)

	require.NoError(t, f.worker.Start(context.Background()))
	assert.ErrorIs(t, f.worker.Start(context.Background()), queue.ErrAlreadyStarted)

	f.submit(t)
	m, err := f.worker.RetrieveMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActiveSubscriptions)

	require.NoError(t, f.worker.Terminate(context.Background()))
	require.NoError(t, f.worker.Terminate(context.Background()))
	assert.ErrorIs(t, f.worker.Start(context.Background()), domain.ErrQueueClosed)

	tx, _ := f.submit(t)
	err = f.worker.Enqueue(context.Background(), tx)
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
	stored, _ := f.txs.Find(context.Background(), tx.ID)
	assert.Equal(t, domain.StateFailed, stored.Status)
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

func TestOptionsDelay(t *testing.T) {
	o := Options{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}.normalized()

	assert.Equal(t, time.Duration(0), o.Delay(0))
	assert.Equal(t, 100*time.Millisecond, o.Delay(1))
	assert.Equal(t, 200*time.Millisecond, o.Delay(2))
	assert.Equal(t, 300*time.Millisecond, o.Delay(3), "capped")

	zero := Options{MaxAttempts: 3}.normalized()
	assert.Equal(t, time.Duration(0), zero.Delay(2))
}

func TestOptionsDecide(t *testing.T) {
	o := Options{MaxAttempts: 3, BaseDelay: time.Second}.normalized()
	item := domain.WorkItem{TransactionID: "tx"}

	res, _, _ := o.decide(item, nil)
	assert.Equal(t, outcomeCompleted, res)

	res, next, delay := o.decide(item, errors.New("boom"))
	assert.Equal(t, outcomeRetry, res)
	assert.Equal(t, domain.WorkItem{TransactionID: "tx", RetryCount: 1, LastError: "boom"}, next)
	assert.Equal(t, time.Second, delay)

	res, next, delay = o.decide(next, errors.New("boom"))
	assert.Equal(t, outcomeRetry, res)
	assert.Equal(t, 2, next.RetryCount)
	assert.Equal(t, 2*time.Second, delay)

	res, _, _ = o.decide(next, errors.New("boom"))
	assert.Equal(t, outcomeFailed, res, "third attempt exhausts the limit")

	res, _, _ = o.decide(item, backoff.Permanent(errors.New("fatal")))
	assert.Equal(t, outcomeFailed, res)
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", backoff.Permanent(errors.New("x")))))
	assert.False(t, IsPermanent(errors.New("x")))
}

// brokerFactory lets the same behavioural tests run on every broker.
type brokerFactory func(t *testing.T, opts Options) Broker

func fastOptions(attempts int) Options {
	return Options{MaxAttempts: attempts, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

func waitCounts(t *testing.T, b Broker, cond func(Counts) bool) Counts {
	t.Helper()
	var last Counts
	require.Eventually(t, func() bool {
		c, err := b.Counts(context.Background())
		if err != nil {
			return false
		}
		last = c
		return cond(c)
	}, 3*time.Second, 10*time.Millisecond, "last counts: %+v", last)
	return last
}

func runBrokerSuite(t *testing.T, newBroker brokerFactory) {
	t.Run("completes successful job", func(t *testing.T) {
		b := newBroker(t, fastOptions(3))
		var calls atomic.Int32
		require.NoError(t, b.Start(func(context.Context, domain.WorkItem) error {
			calls.Add(1)
			return nil
		}, 2))

		require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "a"}))
		c := waitCounts(t, b, func(c Counts) bool { return c.Completed == 1 })
		assert.Equal(t, 0, c.Failed)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("retries until success", func(t *testing.T) {
		b := newBroker(t, fastOptions(3))
		var (
			mu    sync.Mutex
			items []domain.WorkItem
		)
		require.NoError(t, b.Start(func(_ context.Context, item domain.WorkItem) error {
			mu.Lock()
			defer mu.Unlock()
			items = append(items, item)
			if len(items) < 3 {
				return errors.New("transient")
			}
			return nil
		}, 1))

		require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "a"}))
		waitCounts(t, b, func(c Counts) bool { return c.Completed == 1 })

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, items, 3)
		for i, item := range items {
			assert.Equal(t, i, item.RetryCount)
		}
		assert.Equal(t, "transient", items[2].LastError)
	})

	t.Run("fails after max attempts", func(t *testing.T) {
		b := newBroker(t, fastOptions(3))
		var calls atomic.Int32
		require.NoError(t, b.Start(func(context.Context, domain.WorkItem) error {
			calls.Add(1)
			return errors.New("always")
		}, 1))

		require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "a"}))
		waitCounts(t, b, func(c Counts) bool { return c.Failed == 1 })
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("permanent error stops retries", func(t *testing.T) {
		b := newBroker(t, fastOptions(5))
		var calls atomic.Int32
		require.NoError(t, b.Start(func(context.Context, domain.WorkItem) error {
			calls.Add(1)
			return backoff.Permanent(errors.New("fatal"))
		}, 1))

		require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "a"}))
		waitCounts(t, b, func(c Counts) bool { return c.Failed == 1 })
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("single flight per transaction", func(t *testing.T) {
		b := newBroker(t, fastOptions(1))
		var (
			active  atomic.Int32
			overlap atomic.Bool
			calls   atomic.Int32
		)
		release := make(chan struct{})
		require.NoError(t, b.Start(func(context.Context, domain.WorkItem) error {
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			defer active.Add(-1)
			calls.Add(1)
			<-release
			return nil
		}, 4))

		for i := 0; i < 5; i++ {
			require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "same"}))
		}
		waitCounts(t, b, func(c Counts) bool { return c.Active == 1 })
		require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "same"}))
		close(release)

		waitCounts(t, b, func(c Counts) bool { return c.Completed == 1 && c.Active == 0 })
		assert.False(t, overlap.Load())
		assert.Equal(t, int32(1), calls.Load())

		// once finished the id can be scheduled again
		require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "same"}))
		waitCounts(t, b, func(c Counts) bool { return c.Completed == 2 })
	})

	t.Run("bounded concurrency", func(t *testing.T) {
		b := newBroker(t, fastOptions(1))
		var active, peak atomic.Int32
		require.NoError(t, b.Start(func(context.Context, domain.WorkItem) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		}, 2))

		for i := 0; i < 6; i++ {
			require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: fmt.Sprintf("tx-%d", i)}))
		}
		waitCounts(t, b, func(c Counts) bool { return c.Completed == 6 })
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("close waits for in-flight and stops admission", func(t *testing.T) {
		b := newBroker(t, fastOptions(1))
		started := make(chan struct{})
		var finished atomic.Bool
		require.NoError(t, b.Start(func(context.Context, domain.WorkItem) error {
			close(started)
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return nil
		}, 1))

		require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "a"}))
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, b.Close(ctx))
		assert.True(t, finished.Load())

		assert.ErrorIs(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "b"}), domain.ErrQueueClosed)
		assert.NoError(t, b.Close(ctx))
	})

	t.Run("panicking handler fails the job and keeps consuming", func(t *testing.T) {
		b := newBroker(t, fastOptions(3))
		var calls atomic.Int32
		require.NoError(t, b.Start(func(_ context.Context, item domain.WorkItem) error {
			calls.Add(1)
			if item.TransactionID == "bad" {
				panic("decimal: cannot create a Decimal from +Inf")
			}
			return nil
		}, 1))

		require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "bad"}))
		waitCounts(t, b, func(c Counts) bool { return c.Failed == 1 })

		require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "good"}))
		waitCounts(t, b, func(c Counts) bool { return c.Completed == 1 })
		assert.Equal(t, int32(2), calls.Load(), "panic is not retried")
	})

	t.Run("start twice", func(t *testing.T) {
		b := newBroker(t, fastOptions(1))
		noop := func(context.Context, domain.WorkItem) error { return nil }
		require.NoError(t, b.Start(noop, 1))
		assert.ErrorIs(t, b.Start(noop, 1), ErrAlreadyStarted)
	})
}

func TestMemoryBroker(t *testing.T) {
	runBrokerSuite(t, func(t *testing.T, opts Options) Broker {
		b := NewMemoryBroker(opts, 16, zaptest.NewLogger(t))
		t.Cleanup(func() { _ = b.Close(context.Background()) })
		return b
	})
}

func TestMemoryBrokerFull(t *testing.T) {
	b := NewMemoryBroker(fastOptions(1), 1, zaptest.NewLogger(t))
	defer b.Close(context.Background())

	require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "a"}))
	err := b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "b"})
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)

	c, err := b.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.Waiting)
}

func TestMemoryBrokerCloseDropsDelayed(t *testing.T) {
	b := NewMemoryBroker(Options{MaxAttempts: 3, BaseDelay: time.Hour}, 4, zaptest.NewLogger(t))
	require.NoError(t, b.Start(func(context.Context, domain.WorkItem) error {
		return errors.New("transient")
	}, 1))

	require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "a"}))
	waitCounts(t, b, func(c Counts) bool { return c.Delayed == 1 })

	require.NoError(t, b.Close(context.Background()))
	c, err := b.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, c.Delayed)
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

func newTestRedisBroker(t *testing.T, mr *miniredis.Miniredis, opts Options) *RedisBroker {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBroker(client, opts, RedisConfig{
		Prefix:          "test",
		PollTimeout:     50 * time.Millisecond,
		PromoteInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestRedisBroker(t *testing.T) {
	runBrokerSuite(t, func(t *testing.T, opts Options) Broker {
		return newTestRedisBroker(t, miniredis.RunT(t), opts)
	})
}

func TestRedisBrokerKeepsJobsInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestRedisBroker(t, mr, fastOptions(3))

	require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "a"}))
	require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "a"}), "duplicate is a no-op")

	items, err := mr.List("test:wait")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.True(t, mr.Exists("test:job:a"))

	c, err := b.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1}, c)
}

func TestRedisBrokerReleasesStaleJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := mr.SetAdd("test:active", "orphan")
	require.NoError(t, err)
	require.NoError(t, mr.Set("test:job:orphan", "active"))

	b := newTestRedisBroker(t, mr, fastOptions(1))
	done := make(chan string, 1)
	require.NoError(t, b.Start(func(_ context.Context, item domain.WorkItem) error {
		done <- item.TransactionID
		return nil
	}, 1))

	require.NoError(t, b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "orphan"}))
	select {
	case id := <-done:
		assert.Equal(t, "orphan", id)
	case <-time.After(2 * time.Second):
		t.Fatal("stale job was not released")
	}
}

func TestRedisBrokerUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestRedisBroker(t, mr, fastOptions(1))
	mr.Close()

	err := b.Enqueue(context.Background(), domain.WorkItem{TransactionID: "a"})
	assert.True(t, errors.Is(err, domain.ErrQueueUnavailable))
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = DialRedis(context.Background(), "not a url")
	assert.Error(t, err)
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// MockSink records events forwarded by the hub.
type MockSink struct {
	mu     sync.Mutex
	events []domain.StatusEvent
	err    error
}

func (m *MockSink) Publish(_ context.Context, e domain.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *MockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// brokenSubscriber always fails to send.
type brokenSubscriber struct {
	*ChannelSubscriber
}

func (b *brokenSubscriber) Send([]byte) error {
	return errors.New("broken pipe")
}

func receive(t *testing.T, sub *ChannelSubscriber) domain.StatusEvent {
	t.Helper()
	select {
	case payload := <-sub.Events():
		var e domain.StatusEvent
		require.NoError(t, json.Unmarshal(payload, &e))
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return domain.StatusEvent{}
}

func assertNoEvent(t *testing.T, sub *ChannelSubscriber) {
	t.Helper()
	select {
	case payload := <-sub.Events():
		t.Fatalf("unexpected event: %s", payload)
	default:
	}
}

func TestHubDeliversOnlyToChannel(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	defer hub.Shutdown(context.Background())

	a1, a2, b := NewChannelSubscriber(4), NewChannelSubscriber(4), NewChannelSubscriber(4)
	hub.Subscribe("tx-a", a1)
	hub.Subscribe("tx-a", a2)
	hub.Subscribe("tx-b", b)
	assert.Equal(t, 3, hub.ActiveSubscriptionCount())

	hub.Publish("tx-a", domain.StateRouting, &domain.EventData{Message: "Comparing prices..."})

	for _, sub := range []*ChannelSubscriber{a1, a2} {
		e := receive(t, sub)
		assert.Equal(t, "tx-a", e.TransactionID)
		assert.Equal(t, domain.StateRouting, e.Status)
		require.NotNil(t, e.Data)
		assert.Equal(t, "Comparing prices...", e.Data.Message)
		assert.False(t, e.Timestamp.IsZero())
		assertNoEvent(t, sub)
	}
	assertNoEvent(t, b)
}

func TestHubRemovesDisconnectedSubscribers(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	defer hub.Shutdown(context.Background())

	sub := NewChannelSubscriber(1)
	hub.Subscribe("tx", sub)
	require.Equal(t, 1, hub.ActiveSubscriptionCount())

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return hub.ActiveSubscriptionCount() == 0 }, time.Second, 5*time.Millisecond)

	assert.NotPanics(t, func() { hub.Publish("tx", domain.StatePending, nil) })
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	defer hub.Shutdown(context.Background())

	sub := NewChannelSubscriber(1)
	s := hub.Subscribe("tx", sub)
	s.Unsubscribe()
	s.Unsubscribe()
	assert.Equal(t, 0, hub.ActiveSubscriptionCount())

	hub.Publish("tx", domain.StateRouting, nil)
	assertNoEvent(t, sub)
}

func TestHubSkipsBrokenSubscribers(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	defer hub.Shutdown(context.Background())

	good := NewChannelSubscriber(2)
	hub.Subscribe("tx", &brokenSubscriber{NewChannelSubscriber(1)})
	hub.Subscribe("tx", good)

	hub.Publish("tx", domain.StateBuilding, nil)
	e := receive(t, good)
	assert.Equal(t, domain.StateBuilding, e.Status)
	assert.Nil(t, e.Data)
}

func TestHubForwardsToSinks(t *testing.T) {
	ok := &MockSink{}
	failing := &MockSink{err: errors.New("broker down")}
	hub := NewHub(zaptest.NewLogger(t), WithSink(ok), WithSink(failing), WithSinkTimeout(100*time.Millisecond))
	defer hub.Shutdown(context.Background())

	hub.Publish("tx", domain.StateConfirmed, &domain.EventData{TxHash: "sig"})
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, failing.count())
}

func TestHubShutdown(t *testing.T) {
	sink := &MockSink{}
	hub := NewHub(zaptest.NewLogger(t), WithSink(sink))

	subs := []*ChannelSubscriber{NewChannelSubscriber(1), NewChannelSubscriber(1)}
	hub.Subscribe("a", subs[0])
	hub.Subscribe("b", subs[1])

	require.NoError(t, hub.Shutdown(context.Background()))
	assert.Equal(t, 0, hub.ActiveSubscriptionCount())
	for _, sub := range subs {
		select {
		case <-sub.Done():
		default:
			t.Fatal("subscriber not closed")
		}
	}

	hub.Publish("a", domain.StateRouting, nil)
	assert.Equal(t, 0, sink.count())

	late := NewChannelSubscriber(1)
	hub.Subscribe("a", late)
	assert.Equal(t, 0, hub.ActiveSubscriptionCount())
	select {
	case <-late.Done():
	default:
		t.Fatal("late subscriber must be closed")
	}

	assert.NoError(t, hub.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestHubConcurrentAccess(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	defer hub.Shutdown(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := NewChannelSubscriber(64)
			s := hub.Subscribe("tx", sub)
			time.Sleep(time.Millisecond)
			if i%2 == 0 {
				s.Unsubscribe()
			} else {
				_ = sub.Close()
			}
		}()
		go func() {
			defer wg.Done()
			hub.Publish("tx", domain.StatePending, nil)
			_ = hub.ActiveSubscriptionCount()
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return hub.ActiveSubscriptionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestChannelSubscriber(t *testing.T) {
	sub := NewChannelSubscriber(1)
	require.NoError(t, sub.Send([]byte("a")))
	assert.Error(t, sub.Send([]byte("b")), "buffer full")
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.ErrorIs(t, sub.Send([]byte("c")), ErrSubscriberClosed)
}

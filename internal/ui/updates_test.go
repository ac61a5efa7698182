package ui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/eventlistener"
)

func TestUpdateSenderNonBlocking(t *testing.T) {
	msgChan := make(chan tea.Msg, 10)
	sender := NewUpdateSender(msgChan, zap.NewNop())
	defer sender.Close()

	for i := 0; i < 10; i++ {
		sender.SendUpdate(EventMsg{Event: eventlistener.Event{TransactionID: "fill"}})
	}

	start := time.Now()
	for i := 0; i < 100; i++ {
		sender.SendUpdate(EventMsg{Event: eventlistener.Event{TransactionID: "dropped"}})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	sent, dropped := sender.GetStats()
	assert.EqualValues(t, 10, sent)
	assert.EqualValues(t, 100, dropped)
}

func TestUpdateSenderConcurrent(t *testing.T) {
	msgChan := make(chan tea.Msg, 100)
	sender := NewUpdateSender(msgChan, zap.NewNop())
	defer sender.Close()

	var wg sync.WaitGroup
	const goroutines, perGoroutine = 10, 100
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				sender.SendUpdate(EventMsg{Event: eventlistener.Event{TransactionID: "x"}})
			}
		}()
	}
	wg.Wait()

	sent, dropped := sender.GetStats()
	assert.EqualValues(t, goroutines*perGoroutine, sent+dropped)
}

type fakeSource struct {
	events []eventlistener.Event
	err    error
}

func (f *fakeSource) Subscribe(_ context.Context, handler func(eventlistener.Event)) error {
	for _, e := range f.events {
		handler(e)
	}
	return f.err
}

func TestUpdateSenderForward(t *testing.T) {
	// a one-slot buffer may drop progress updates, never the terminal
	// update or the disconnect
	msgChan := make(chan tea.Msg, 1)
	sender := NewUpdateSender(msgChan, zap.NewNop())
	defer sender.Close()

	src := &fakeSource{
		events: []eventlistener.Event{
			{TransactionID: "a", Status: "routing"},
			{TransactionID: "a", Status: "building"},
			{TransactionID: "a", Status: "confirmed"},
		},
		err: errors.New("closed"),
	}

	go sender.Forward(context.Background(), src)

	var got []tea.Msg
	for {
		select {
		case msg := <-msgChan:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d messages", len(got))
		}
		if _, ok := got[len(got)-1].(DisconnectedMsg); ok {
			break
		}
	}

	require.GreaterOrEqual(t, len(got), 3)
	first, ok := got[0].(EventMsg)
	require.True(t, ok)
	assert.Equal(t, "routing", first.Event.Status)

	last, ok := got[len(got)-2].(EventMsg)
	require.True(t, ok)
	assert.Equal(t, "confirmed", last.Event.Status)
	assert.EqualError(t, got[len(got)-1].(DisconnectedMsg).Error, "closed")
}

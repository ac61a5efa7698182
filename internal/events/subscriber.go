// internal/events/subscriber.go
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// ErrSubscriberClosed is returned by Send on a closed subscriber.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber is a live connection interested in one transaction's events.
type Subscriber interface {
	ID() string
	// Send delivers one JSON-encoded event.
	Send(payload []byte) error
	// Done is closed when the subscriber disconnects.
	Done() <-chan struct{}
	Close() error
}

// Sink receives every published event regardless of subscribers.
type Sink interface {
	Publish(ctx context.Context, event domain.StatusEvent) error
}

// Subscription represents a subscription to a transaction channel.
type Subscription interface {
	// Unsubscribe removes the subscription.
	Unsubscribe()
}

type subscription struct {
	hub   *Hub
	txID  string
	subID string
	quit  chan struct{}
	once  sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.hub.unsubscribe(s.txID, s.subID)
	})
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

// ChannelSubscriber buffers payloads on a channel for in-process observers.
// Sends to a full buffer fail instead of blocking the publisher.
type ChannelSubscriber struct {
	id   string
	ch   chan []byte
	done chan struct{}
	once sync.Once
	mu   sync.RWMutex
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	return &ChannelSubscriber{
		id:   NewSubscriberID(),
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *ChannelSubscriber) ID() string { return c.id }

func (c *ChannelSubscriber) Send(payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	select {
	case <-c.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case c.ch <- payload:
		return nil
	default:
		return errors.New("subscriber buffer full")
	}
}

func (c *ChannelSubscriber) Done() <-chan struct{} { return c.done }

// Events exposes received payloads.
func (c *ChannelSubscriber) Events() <-chan []byte { return c.ch }

func (c *ChannelSubscriber) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
	})
	return nil
}

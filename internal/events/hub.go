// internal/events/hub.go
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// Hub fans status events out to the subscribers of each transaction.
// Delivery is best-effort: failures are logged and never retried.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]Subscriber
	closed   bool

	sinks       []Sink
	sinkTimeout time.Duration

	logger *zap.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithSink forwards every published event to s.
func WithSink(s Sink) Option {
	return func(h *Hub) {
		h.sinks = append(h.sinks, s)
	}
}

// WithSinkTimeout bounds each sink call.
func WithSinkTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.sinkTimeout = d
	}
}

// NewHub creates a new notification hub.
func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		channels:    make(map[string]map[string]Subscriber),
		sinkTimeout: 2 * time.Second,
		logger:      logger.Named("notification_hub"),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe adds sub to the channel of txID. The subscriber is removed
// automatically once its Done channel closes.
func (h *Hub) Subscribe(txID string, sub Subscriber) Subscription {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = sub.Close()
		return noopSubscription{}
	}

	subs := h.channels[txID]
	if subs == nil {
		subs = make(map[string]Subscriber)
		h.channels[txID] = subs
	}
	subs[sub.ID()] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Debug("Subscriber added",
		zap.String("transaction_id", txID),
		zap.String("subscriber_id", sub.ID()))

	s := &subscription{hub: h, txID: txID, subID: sub.ID(), quit: make(chan struct{})}
	go h.watch(s, sub)
	return s
}

func (h *Hub) watch(s *subscription, sub Subscriber) {
	defer h.wg.Done()
	select {
	case <-sub.Done():
		h.unsubscribe(s.txID, s.subID)
	case <-s.quit:
	case <-h.stop:
	}
}

func (h *Hub) unsubscribe(txID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[txID]
	if !ok {
		return
	}
	if _, ok := subs[subID]; !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.channels, txID)
	}

	h.logger.Debug("Subscriber removed",
		zap.String("transaction_id", txID),
		zap.String("subscriber_id", subID))
}

// Publish broadcasts an event to every open subscriber of txID.
func (h *Hub) Publish(txID string, status domain.TransactionState, data *domain.EventData) {
	event := domain.NewStatusEvent(txID, status, data)

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	targets := make([]Subscriber, 0, len(h.channels[txID]))
	for _, sub := range h.channels[txID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	if len(targets) > 0 {
		payload, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("Failed to encode event", zap.String("transaction_id", txID), zap.Error(err))
			return
		}
		for _, sub := range targets {
			h.deliver(txID, sub, payload)
		}
	}

	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.sinkTimeout)
		if err := sink.Publish(ctx, event); err != nil {
			h.logger.Warn("Sink rejected event",
				zap.String("transaction_id", txID),
				zap.String("status", string(status)),
				zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) deliver(txID string, sub Subscriber, payload []byte) {
	select {
	case <-sub.Done():
		h.logger.Debug("Skipping closed subscriber",
			zap.String("transaction_id", txID),
			zap.String("subscriber_id", sub.ID()))
		return
	default:
	}

	if err := sub.Send(payload); err != nil {
		h.logger.Warn("Failed to deliver event",
			zap.String("transaction_id", txID),
			zap.String("subscriber_id", sub.ID()),
			zap.Error(err))
	}
}

// ActiveSubscriptionCount returns the number of subscribers across all channels.
func (h *Hub) ActiveSubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.channels {
		n += len(subs)
	}
	return n
}

// Shutdown closes every subscriber and clears all channels. Publishing
// after shutdown is a no-op.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []Subscriber
	for _, subs := range h.channels {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	h.channels = make(map[string]map[string]Subscriber)
	h.mu.Unlock()

	h.logger.Info("Shutting down notification hub", zap.Int("subscribers", len(all)))
	close(h.stop)

	for _, sub := range all {
		if err := sub.Close(); err != nil {
			h.logger.Debug("Subscriber close failed", zap.String("subscriber_id", sub.ID()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Notification hub shutdown complete")
		return nil
	case <-ctx.Done():
		h.logger.Warn("Notification hub shutdown timeout")
		return ctx.Err()
	}
}

// NewSubscriberID returns a fresh subscriber id.
func NewSubscriberID() string {
	return uuid.NewString()
}

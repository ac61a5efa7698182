package ui

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/eventlistener"
)

// EventSource yields server messages until the connection ends.
type EventSource interface {
	Subscribe(ctx context.Context, handler func(event eventlistener.Event)) error
}

// UpdateSender feeds the UI without ever blocking the network reader on
// progress updates. Terminal updates wait for room so a final status is
// never lost.
type UpdateSender struct {
	msgChan        chan tea.Msg
	droppedUpdates uint64
	sentUpdates    uint64
	logger         *zap.Logger
	statsInterval  time.Duration
	stopStats      chan struct{}
	closeOnce      sync.Once
}

// NewUpdateSender creates a new non-blocking update sender
func NewUpdateSender(msgChan chan tea.Msg, logger *zap.Logger) *UpdateSender {
	us := &UpdateSender{
		msgChan:       msgChan,
		logger:        logger,
		statsInterval: 30 * time.Second,
		stopStats:     make(chan struct{}),
	}

	go us.logStats()

	return us
}

// SendUpdate sends a message to UI without blocking
func (us *UpdateSender) SendUpdate(msg tea.Msg) {
	select {
	case us.msgChan <- msg:
		atomic.AddUint64(&us.sentUpdates, 1)
	default:
		atomic.AddUint64(&us.droppedUpdates, 1)
	}
}

// SendCritical waits until the UI accepts msg or ctx ends.
func (us *UpdateSender) SendCritical(ctx context.Context, msg tea.Msg) {
	select {
	case us.msgChan <- msg:
		atomic.AddUint64(&us.sentUpdates, 1)
	case <-ctx.Done():
		atomic.AddUint64(&us.droppedUpdates, 1)
	}
}

// Forward relays every event from src and reports the disconnect.
func (us *UpdateSender) Forward(ctx context.Context, src EventSource) {
	err := src.Subscribe(ctx, func(event eventlistener.Event) {
		msg := EventMsg{Event: event}
		if event.IsTerminal() || event.Type == eventlistener.MsgValidationFailed {
			us.SendCritical(ctx, msg)
			return
		}
		us.SendUpdate(msg)
	})
	us.SendCritical(ctx, DisconnectedMsg{Error: err})
}

// GetStats returns current statistics
func (us *UpdateSender) GetStats() (sent, dropped uint64) {
	sent = atomic.LoadUint64(&us.sentUpdates)
	dropped = atomic.LoadUint64(&us.droppedUpdates)
	return sent, dropped
}

func (us *UpdateSender) logStats() {
	ticker := time.NewTicker(us.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent, dropped := us.GetStats()
			if dropped > 0 {
				us.logger.Warn("UI update statistics",
					zap.Uint64("sent", sent),
					zap.Uint64("dropped", dropped),
					zap.Float64("drop_rate", float64(dropped)/float64(sent+dropped)*100))
			}
		case <-us.stopStats:
			return
		}
	}
}

// Close stops the update sender
func (us *UpdateSender) Close() {
	us.closeOnce.Do(func() { close(us.stopStats) })
}

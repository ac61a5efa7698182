// internal/queue/queue.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// Handler processes one attempt. Returning an error wrapped with
// backoff.Permanent stops further attempts.
type Handler func(ctx context.Context, item domain.WorkItem) error

// Counts is a snapshot of queue state.
type Counts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Broker schedules work items. At most one job per transaction id exists at
// any time: enqueueing an id that is waiting, delayed or active is a no-op.
type Broker interface {
	Enqueue(ctx context.Context, item domain.WorkItem) error
	// Start launches concurrency consumers invoking handler.
	Start(handler Handler, concurrency int) error
	Counts(ctx context.Context) (Counts, error)
	// Close stops admission and waits for in-flight attempts.
	Close(ctx context.Context) error
}

// Options is the attempt policy shared by brokers.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultOptions возвращает настройки по умолчанию.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    10 * time.Minute,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = 0
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	return o
}

// Delay returns the pause after attemptsMade failed attempts:
// BaseDelay * 2^(attemptsMade-1), capped at MaxDelay.
func (o Options) Delay(attemptsMade int) time.Duration {
	if attemptsMade <= 0 || o.BaseDelay <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         o.MaxDelay,
	}
	var d time.Duration
	for i := 0; i < attemptsMade; i++ {
		d = b.NextBackOff()
	}
	return d
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetry
	outcomeFailed
)

// decide classifies a finished attempt and builds the follow-up item.
func (o Options) decide(item domain.WorkItem, err error) (outcome, domain.WorkItem, time.Duration) {
	if err == nil {
		return outcomeCompleted, domain.WorkItem{}, 0
	}

	attemptsMade := item.RetryCount + 1
	if IsPermanent(err) || attemptsMade >= o.MaxAttempts {
		return outcomeFailed, domain.WorkItem{}, 0
	}

	next := domain.WorkItem{
		TransactionID: item.TransactionID,
		RetryCount:    attemptsMade,
		LastError:     err.Error(),
	}
	return outcomeRetry, next, o.Delay(attemptsMade)
}

// IsPermanent reports whether err asks the broker to stop retrying.
func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}

// runHandler turns a panicking attempt into a permanent failure and keeps
// the consumer goroutine alive.
func runHandler(ctx context.Context, logger *zap.Logger, handler Handler, item domain.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panic recovered",
				zap.String("transaction_id", item.TransactionID),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = backoff.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, item)
}

// ErrAlreadyStarted is returned by Start when consumers are running.
var ErrAlreadyStarted = errors.New("queue consumers already started")

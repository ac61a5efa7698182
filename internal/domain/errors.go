// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores and the registry for unknown ids.
	ErrNotFound = errors.New("transaction not found")
	// ErrTransactionNotFound fails a processing attempt whose transaction vanished.
	ErrTransactionNotFound = errors.New("transaction not found for work item")
	// ErrNoQuotesAvailable means no venue produced a quotation.
	ErrNoQuotesAvailable = errors.New("no quotes available")
	// ErrInvalidTransition signals a state change outside the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrQueueUnavailable is returned when the broker cannot accept work.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrQueueClosed is returned after the broker stopped admitting work.
	ErrQueueClosed = errors.New("queue closed")
)

// ValidationError describes a malformed submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// SlippageExceededError is returned by a venue when the fill price moved
// beyond the caller's tolerance.
type SlippageExceededError struct {
	Expected  float64
	Actual    float64
	Tolerance float64
}

func (e *SlippageExceededError) Error() string {
	return fmt.Sprintf("slippage exceeded: expected %.6f, got %.6f (tolerance %.2f%%)",
		e.Expected, e.Actual, e.Tolerance*100)
}

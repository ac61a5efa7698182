// internal/domain/state.go
package domain

import "fmt"

// TransactionState is the lifecycle state of a swap transaction.
type TransactionState string

const (
	StatePending   TransactionState = "pending"
	StateRouting   TransactionState = "routing"
	StateBuilding  TransactionState = "building"
	StateSubmitted TransactionState = "submitted"
	StateConfirmed TransactionState = "confirmed"
	StateFailed    TransactionState = "failed"
)

// PendingStates are all non-terminal states.
var PendingStates = []TransactionState{StatePending, StateRouting, StateBuilding, StateSubmitted}

// IsTerminal reports whether no further transition is allowed from s.
func (s TransactionState) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Valid reports whether s is a known state.
func (s TransactionState) Valid() bool {
	switch s {
	case StatePending, StateRouting, StateBuilding, StateSubmitted, StateConfirmed, StateFailed:
		return true
	}
	return false
}

func (s TransactionState) String() string {
	return string(s)
}

// forward edges of the pipeline; pending and failed are reachable from
// any non-terminal state and handled separately.
var forward = map[TransactionState][]TransactionState{
	StatePending:   {StateRouting},
	StateRouting:   {StateRouting, StateBuilding},
	StateBuilding:  {StateSubmitted},
	StateSubmitted: {StateConfirmed},
}

// ValidateTransition checks that moving from -> to is an edge of the state graph.
func ValidateTransition(from, to TransactionState) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == StatePending || to == StateFailed {
		return nil
	}
	for _, next := range forward[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

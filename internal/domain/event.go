package domain

import "time"

// StatusEvent is broadcast to subscribers of a transaction on every
// lifecycle change.
type StatusEvent struct {
	TransactionID string           `json:"transactionId"`
	Status        TransactionState `json:"status"`
	Data          *EventData       `json:"data,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// NewStatusEvent creates an event stamped with the current time.
func NewStatusEvent(txID string, status TransactionState, data *EventData) StatusEvent {
	return StatusEvent{
		TransactionID: txID,
		Status:        status,
		Data:          data,
		Timestamp:     time.Now().UTC(),
	}
}

// EventData carries the phase-specific details of a status event.
type EventData struct {
	Message       string   `json:"message,omitempty"`
	SelectedDex   string   `json:"selectedDex,omitempty"`
	Justification string   `json:"justification,omitempty"`
	ExecutedPrice *float64 `json:"executedPrice,omitempty"`
	TxHash        string   `json:"txHash,omitempty"`
	ErrorMessage  string   `json:"errorMessage,omitempty"`
	RetryCount    *int     `json:"retryCount,omitempty"`
}

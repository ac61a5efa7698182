package eventlistener

import (
	"encoding/json"
	"time"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// Event is any server message on a transaction socket: session messages
// carry Type, status events carry Status.
type Event struct {
	Type          string              `json:"type,omitempty"`
	Message       string              `json:"message,omitempty"`
	Error         string              `json:"error,omitempty"`
	TransactionID string              `json:"transactionId,omitempty"`
	Status        string              `json:"status,omitempty"`
	Data          *domain.EventData   `json:"data,omitempty"`
	Transaction   *domain.Transaction `json:"transaction,omitempty"`
	Timestamp     time.Time           `json:"timestamp,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// IsStatus reports whether the event is a lifecycle update.
func (e Event) IsStatus() bool {
	return e.Type == "" && e.Status != ""
}

// IsTerminal reports whether the event ends the transaction.
func (e Event) IsTerminal() bool {
	return e.IsStatus() && domain.TransactionState(e.Status).IsTerminal()
}

// Session message types.
const (
	MsgSessionEstablished    = "session_established"
	MsgTransactionRegistered = "transaction_registered"
	MsgValidationFailed      = "validation_failed"
	MsgSnapshot              = "snapshot"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 2 * time.Second
	maxAttempts    = 5
	writeTimeout   = 5 * time.Second
)

// internal/domain/quote.go
package domain

import "time"

// PriceQuotation is one venue's offer for a trade. Not persisted.
type PriceQuotation struct {
	Venue           string    `json:"venue"`
	Price           float64   `json:"price"`
	Fee             float64   `json:"fee"`
	EstimatedOutput float64   `json:"estimatedOutput"`
	Timestamp       time.Time `json:"timestamp"`
}

// SelectionResult is the outcome of venue selection.
type SelectionResult struct {
	Venue         string         `json:"venue"`
	Quote         PriceQuotation `json:"quote"`
	Justification string         `json:"justification"`
}

// ExecutionResult describes a filled swap.
type ExecutionResult struct {
	TxHash        string    `json:"txHash"`
	ExecutedPrice float64   `json:"executedPrice"`
	NetAmount     float64   `json:"netAmount"`
	Venue         string    `json:"venue"`
	Timestamp     time.Time `json:"timestamp"`
}

// WorkItem is one queued processing attempt.
type WorkItem struct {
	TransactionID string `json:"transactionId"`
	RetryCount    int    `json:"retryCount"`
	LastError     string `json:"lastError,omitempty"`
}

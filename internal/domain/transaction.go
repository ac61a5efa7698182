// internal/domain/transaction.go
package domain

import "time"

// OrderType of a submission. Only market orders are supported.
type OrderType string

const OrderTypeMarket OrderType = "market"

// DefaultUserID is assigned to submissions since submitters are not authenticated.
const DefaultUserID = "user_123"

// Transaction is the authoritative record of a swap order.
type Transaction struct {
	ID            string           `json:"id"`
	UserID        string           `json:"userId"`
	Type          OrderType        `json:"type"`
	TokenIn       string           `json:"tokenIn"`
	TokenOut      string           `json:"tokenOut"`
	Amount        float64          `json:"amount"`
	Slippage      float64          `json:"slippage"`
	Status        TransactionState `json:"status"`
	SelectedDex   string           `json:"selectedDex,omitempty"`
	ExecutedPrice *float64         `json:"executedPrice,omitempty"`
	TxHash        string           `json:"txHash,omitempty"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
	RetryCount    int              `json:"retryCount"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share the price pointer.
func (t Transaction) Clone() Transaction {
	if t.ExecutedPrice != nil {
		p := *t.ExecutedPrice
		t.ExecutedPrice = &p
	}
	return t
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status        *TransactionState
	SelectedDex   *string
	ExecutedPrice *float64
	TxHash        *string
	ErrorMessage  *string
	RetryCount    *int
}

// Empty reports whether the patch changes nothing besides updatedAt.
func (p Patch) Empty() bool {
	return p.Status == nil && p.SelectedDex == nil && p.ExecutedPrice == nil &&
		p.TxHash == nil && p.ErrorMessage == nil && p.RetryCount == nil
}

// Apply merges p into t and stamps updatedAt. updatedAt never moves backwards.
func (p Patch) Apply(t Transaction, now time.Time) Transaction {
	out := t.Clone()
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.SelectedDex != nil {
		out.SelectedDex = *p.SelectedDex
	}
	if p.ExecutedPrice != nil {
		price := *p.ExecutedPrice
		out.ExecutedPrice = &price
	}
	if p.TxHash != nil {
		out.TxHash = *p.TxHash
	}
	if p.ErrorMessage != nil {
		out.ErrorMessage = *p.ErrorMessage
	}
	if p.RetryCount != nil && *p.RetryCount > out.RetryCount {
		out.RetryCount = *p.RetryCount
	}
	if now.Before(out.UpdatedAt) {
		now = out.UpdatedAt
	}
	out.UpdatedAt = now
	return out
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T {
	return &v
}

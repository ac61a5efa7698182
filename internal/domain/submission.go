// internal/domain/submission.go
package domain

import "math"

const (
	// DefaultSlippage is the price tolerance used when a submission omits one.
	DefaultSlippage = 0.005
	maxSlippage     = 0.5
)

// Submission is an incoming swap order as received from transport.
type Submission struct {
	TokenIn  string   `json:"tokenIn"`
	TokenOut string   `json:"tokenOut"`
	Amount   float64  `json:"amount"`
	Slippage *float64 `json:"slippage,omitempty"`
}

// Validate rejects malformed submissions before any transaction exists.
// Tokens are compared exactly as received, the same values the registry stores.
func (s Submission) Validate() error {
	switch {
	case s.TokenIn == "":
		return &ValidationError{Field: "tokenIn", Reason: "required"}
	case s.TokenOut == "":
		return &ValidationError{Field: "tokenOut", Reason: "required"}
	case !(s.Amount > 0):
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	case math.IsInf(s.Amount, 1):
		return &ValidationError{Field: "amount", Reason: "must be finite"}
	case s.TokenIn == s.TokenOut:
		return &ValidationError{Field: "tokenOut", Reason: "must differ from tokenIn"}
	}
	return nil
}

// EffectiveSlippage returns the tolerance to apply, falling back to the
// default for missing or out-of-range values.
func (s Submission) EffectiveSlippage() float64 {
	if s.Slippage == nil {
		return DefaultSlippage
	}
	return clamp(*s.Slippage, 0, maxSlippage, DefaultSlippage)
}

func clamp(val, min, max, def float64) float64 {
	if val <= min || val > max {
		return def
	}
	return val
}

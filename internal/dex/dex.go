// =============================
// File: internal/dex/dex.go
// =============================
package dex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// Known venue names.
const (
	VenueRaydium = "raydium"
	VenueMeteora = "meteora"
)

// Venue - единый интерфейс для площадок ликвидности.
type Venue interface {
	// Name returns the lowercase venue identifier.
	Name() string
	// Quote returns the venue's offer for swapping amount of tokenIn into tokenOut.
	Quote(ctx context.Context, tokenIn, tokenOut string, amount float64) (domain.PriceQuotation, error)
	// Swap executes the trade against a previously obtained quote.
	Swap(ctx context.Context, req SwapRequest) (domain.ExecutionResult, error)
}

// SwapRequest describes a swap to execute on a venue.
type SwapRequest struct {
	TransactionID string
	TokenIn       string
	TokenOut      string
	Amount        float64
	Slippage      float64
	Quote         domain.PriceQuotation
}

// QuoteObserver receives per-venue quoting outcomes.
type QuoteObserver interface {
	ObserveQuote(venue string, ok bool, elapsed time.Duration)
}

// Venues is an ordered set of venues addressable by name.
type Venues []Venue

// ByName returns the venue registered under name (case-insensitive).
func (v Venues) ByName(name string) (Venue, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, venue := range v {
		if venue.Name() == name {
			return venue, nil
		}
	}
	return nil, fmt.Errorf("unsupported venue: %s", name)
}

// Names lists venue names in order.
func (v Venues) Names() []string {
	names := make([]string, 0, len(v))
	for _, venue := range v {
		names = append(names, venue.Name())
	}
	return names
}

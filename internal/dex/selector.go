// =============================
// File: internal/dex/selector.go
// =============================
package dex

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// NetAmount is the estimated output after the venue fee. Quotations with a
// non-finite output or fee net zero.
func NetAmount(q domain.PriceQuotation) decimal.Decimal {
	if !finite(q.EstimatedOutput) || !finite(q.Fee) {
		return decimal.Zero
	}
	gross := decimal.NewFromFloat(q.EstimatedOutput)
	return gross.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(q.Fee)))
}

// SelectBest picks the quotation with the highest net amount. Ties keep the
// earliest quotation in input order. Non-finite quotations are never picked.
func SelectBest(quotes []domain.PriceQuotation) (domain.SelectionResult, error) {
	best := -1
	var bestNet decimal.Decimal
	parts := make([]string, 0, len(quotes))
	for i, q := range quotes {
		if !finite(q.Price) || !finite(q.EstimatedOutput) || !finite(q.Fee) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: $%.6f (%.2f%% fee)", q.Venue, q.Price, q.Fee*100))
		if net := NetAmount(q); best < 0 || net.GreaterThan(bestNet) {
			best, bestNet = i, net
		}
	}
	if best < 0 {
		return domain.SelectionResult{}, domain.ErrNoQuotesAvailable
	}

	return domain.SelectionResult{
		Venue:         quotes[best].Venue,
		Quote:         quotes[best],
		Justification: "Best price: " + strings.Join(parts, " | "),
	}, nil
}

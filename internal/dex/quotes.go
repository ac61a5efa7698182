// =============================
// File: internal/dex/quotes.go
// =============================
package dex

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// QuoteSource collects quotations from every configured venue.
type QuoteSource struct {
	venues   Venues
	observer QuoteObserver
	logger   *zap.Logger
}

// NewQuoteSource creates a quote source over venues. observer may be nil.
func NewQuoteSource(venues Venues, observer QuoteObserver, logger *zap.Logger) *QuoteSource {
	return &QuoteSource{
		venues:   venues,
		observer: observer,
		logger:   logger.Named("quotes"),
	}
}

// Venues returns the venues backing this source.
func (s *QuoteSource) Venues() Venues {
	return s.venues
}

// Quotations queries all venues in parallel and returns one quotation per
// venue that answered, in venue order. Venues that fail are left out.
func (s *QuoteSource) Quotations(ctx context.Context, tokenIn, tokenOut string, amount float64) []domain.PriceQuotation {
	results := make([]*domain.PriceQuotation, len(s.venues))

	var g errgroup.Group
	for i, venue := range s.venues {
		g.Go(func() error {
			start := time.Now()
			q, err := venue.Quote(ctx, tokenIn, tokenOut, amount)
			ok := err == nil && q.Price > 0 && finite(q.Price) && finite(q.EstimatedOutput)
			if s.observer != nil {
				s.observer.ObserveQuote(venue.Name(), ok, time.Since(start))
			}
			if !ok {
				s.logger.Warn("Venue did not quote",
					zap.String("venue", venue.Name()),
					zap.Float64("price", q.Price),
					zap.Float64("estimated_output", q.EstimatedOutput),
					zap.Error(err))
				return nil
			}
			results[i] = &q
			return nil
		})
	}
	// goroutines never return errors; venue failures are omissions
	_ = g.Wait()

	quotes := make([]domain.PriceQuotation, 0, len(results))
	for _, q := range results {
		if q != nil {
			quotes = append(quotes, *q)
		}
	}
	return quotes
}

func finite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

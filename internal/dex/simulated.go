// =============================
// File: internal/dex/simulated.go
// =============================
package dex

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// ErrSwapRejected is returned when a simulated venue is configured to fail.
var ErrSwapRejected = errors.New("venue rejected swap")

// SimulatedConfig describes the price model of a simulated venue.
// Quoted price = BasePrice * (PriceFloor + r*PriceSpread), r in [0,1).
type SimulatedConfig struct {
	Name         string
	BasePrice    float64
	PriceFloor   float64
	PriceSpread  float64
	Fee          float64
	QuoteLatency time.Duration
	SwapLatency  time.Duration
	SwapJitter   time.Duration
	// FailureRate is the probability that Swap fails. Zero disables failures.
	FailureRate float64
	// Rand overrides the random source; defaults to math/rand/v2.
	Rand func() float64
}

// RaydiumConfig returns the default simulated Raydium model.
func RaydiumConfig() SimulatedConfig {
	return SimulatedConfig{
		Name:         VenueRaydium,
		BasePrice:    1.0,
		PriceFloor:   0.98,
		PriceSpread:  0.04,
		Fee:          0.003,
		QuoteLatency: 200 * time.Millisecond,
		SwapLatency:  2 * time.Second,
		SwapJitter:   time.Second,
	}
}

// MeteoraConfig returns the default simulated Meteora model.
func MeteoraConfig() SimulatedConfig {
	return SimulatedConfig{
		Name:         VenueMeteora,
		BasePrice:    1.0,
		PriceFloor:   0.975,
		PriceSpread:  0.05,
		Fee:          0.002,
		QuoteLatency: 200 * time.Millisecond,
		SwapLatency:  2 * time.Second,
		SwapJitter:   time.Second,
	}
}

// SimulatedVenue quotes and fills swaps from a random price model.
// No real settlement happens.
type SimulatedVenue struct {
	cfg    SimulatedConfig
	logger *zap.Logger
}

// NewSimulatedVenue creates a venue from cfg.
func NewSimulatedVenue(cfg SimulatedConfig, logger *zap.Logger) *SimulatedVenue {
	if cfg.Rand == nil {
		cfg.Rand = mrand.Float64
	}
	if cfg.BasePrice <= 0 {
		cfg.BasePrice = 1.0
	}
	return &SimulatedVenue{
		cfg:    cfg,
		logger: logger.Named("venue").With(zap.String("venue", cfg.Name)),
	}
}

func (v *SimulatedVenue) Name() string {
	return v.cfg.Name
}

func (v *SimulatedVenue) Quote(ctx context.Context, tokenIn, tokenOut string, amount float64) (domain.PriceQuotation, error) {
	if err := sleep(ctx, v.cfg.QuoteLatency); err != nil {
		return domain.PriceQuotation{}, err
	}

	price := v.cfg.BasePrice * (v.cfg.PriceFloor + v.cfg.Rand()*v.cfg.PriceSpread)
	q := domain.PriceQuotation{
		Venue:           v.cfg.Name,
		Price:           price,
		Fee:             v.cfg.Fee,
		EstimatedOutput: amount * price,
		Timestamp:       time.Now().UTC(),
	}

	v.logger.Debug("Quote produced",
		zap.String("token_in", tokenIn),
		zap.String("token_out", tokenOut),
		zap.Float64("amount", amount),
		zap.Float64("price", price))
	return q, nil
}

func (v *SimulatedVenue) Swap(ctx context.Context, req SwapRequest) (domain.ExecutionResult, error) {
	latency := v.cfg.SwapLatency + time.Duration(v.cfg.Rand()*float64(v.cfg.SwapJitter))
	if err := sleep(ctx, latency); err != nil {
		return domain.ExecutionResult{}, err
	}

	if v.cfg.FailureRate > 0 && v.cfg.Rand() < v.cfg.FailureRate {
		return domain.ExecutionResult{}, fmt.Errorf("%s: %w", v.cfg.Name, ErrSwapRejected)
	}

	executed := req.Quote.Price * (1 - v.cfg.Rand()*req.Slippage)
	if floor := req.Quote.Price * (1 - req.Slippage); executed < floor {
		return domain.ExecutionResult{}, &domain.SlippageExceededError{
			Expected:  req.Quote.Price,
			Actual:    executed,
			Tolerance: req.Slippage,
		}
	}

	sig, err := randomSignature()
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("generate settlement reference: %w", err)
	}

	res := domain.ExecutionResult{
		TxHash:        sig.String(),
		ExecutedPrice: executed,
		NetAmount:     req.Amount * executed * (1 - v.cfg.Fee),
		Venue:         v.cfg.Name,
		Timestamp:     time.Now().UTC(),
	}

	v.logger.Info("Swap executed",
		zap.String("transaction_id", req.TransactionID),
		zap.String("tx_hash", res.TxHash),
		zap.Float64("executed_price", executed),
		zap.Duration("latency", latency))
	return res, nil
}

func randomSignature() (solana.Signature, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return solana.Signature{}, err
	}
	return solana.SignatureFromBytes(buf), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

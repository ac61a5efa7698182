// internal/registry/registry.go
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
	"github.com/rovshanmuradov/swapflow/internal/storage"
	"github.com/rovshanmuradov/swapflow/internal/storage/memory"
)

// FallbackRecorder counts operations served by the memory tier.
type FallbackRecorder interface {
	RecordStoreFallback(operation string)
}

// Registry owns the authoritative transaction records. Each call picks the
// durable tier when the provider has one and falls back to memory otherwise.
// Records written to memory during an outage are not migrated back.
type Registry struct {
	durable    storage.Provider
	fallback   *memory.Store
	memoryOnly bool
	recorder   FallbackRecorder
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a registry. A nil durable provider runs the registry on the
// memory tier alone without reporting fallbacks. recorder may be nil.
func New(durable storage.Provider, fallback *memory.Store, recorder FallbackRecorder, logger *zap.Logger) *Registry {
	memoryOnly := durable == nil
	if memoryOnly {
		durable = storage.ProviderFunc(func() storage.Store { return nil })
	}
	if fallback == nil {
		fallback = memory.New()
	}
	return &Registry{
		durable:    durable,
		fallback:   fallback,
		memoryOnly: memoryOnly,
		recorder:   recorder,
		logger:     logger.Named("registry"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the submission and stores a new pending transaction.
func (r *Registry) Create(ctx context.Context, sub domain.Submission) (domain.Transaction, error) {
	if err := sub.Validate(); err != nil {
		return domain.Transaction{}, err
	}

	now := r.now()
	tx := domain.Transaction{
		ID:        uuid.NewString(),
		UserID:    domain.DefaultUserID,
		Type:      domain.OrderTypeMarket,
		TokenIn:   sub.TokenIn,
		TokenOut:  sub.TokenOut,
		Amount:    sub.Amount,
		Slippage:  sub.EffectiveSlippage(),
		Status:    domain.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if store := r.durable.Current(); store != nil {
		err := store.Insert(ctx, tx)
		if err == nil {
			r.logger.Debug("Transaction created", zap.String("transaction_id", tx.ID), zap.String("tier", "durable"))
			return tx.Clone(), nil
		}
		r.fellBack("create", tx.ID, err)
	} else {
		r.fellBack("create", tx.ID, nil)
	}

	if err := r.fallback.Insert(ctx, tx); err != nil {
		return domain.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}
	return tx.Clone(), nil
}

// Find returns the transaction and whether it exists. Lookup failures are
// treated as absence.
func (r *Registry) Find(ctx context.Context, id string) (domain.Transaction, bool) {
	tx, _, err := r.load(ctx, "find", id)
	if err != nil {
		return domain.Transaction{}, false
	}
	return tx, true
}

// Update merges patch into the transaction. Status changes are checked
// against the lifecycle graph.
func (r *Registry) Update(ctx context.Context, id string, patch domain.Patch) (domain.Transaction, error) {
	current, inDurable, err := r.load(ctx, "update", id)
	if err != nil {
		return domain.Transaction{}, err
	}

	if patch.Status != nil {
		if err := domain.ValidateTransition(current.Status, *patch.Status); err != nil {
			r.logger.Error("Rejected state change",
				zap.String("transaction_id", id),
				zap.String("from", string(current.Status)),
				zap.String("to", string(*patch.Status)),
				zap.Error(err))
			return domain.Transaction{}, err
		}
	}

	now := r.now()
	if inDurable {
		if store := r.durable.Current(); store != nil {
			updated, err := store.Update(ctx, id, patch, now)
			if err == nil {
				return updated, nil
			}
			r.fellBack("update", id, err)
		} else {
			r.fellBack("update", id, nil)
		}
		// keep the change rather than drop it; the tiers diverge from here on
		merged := patch.Apply(current, now)
		r.fallback.Put(merged)
		return merged.Clone(), nil
	}

	updated, err := r.fallback.Update(ctx, id, patch, now)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("update transaction %s: %w", id, err)
	}
	return updated, nil
}

// load fetches the current record, durable tier first. The memory copy wins
// when it is newer, since it holds updates made while the durable write failed.
func (r *Registry) load(ctx context.Context, op, id string) (domain.Transaction, bool, error) {
	var (
		durableTx domain.Transaction
		found     bool
	)
	if store := r.durable.Current(); store != nil {
		tx, err := store.Get(ctx, id)
		switch {
		case err == nil:
			durableTx, found = tx, true
		case !errors.Is(err, domain.ErrNotFound):
			r.fellBack(op, id, err)
		}
	}

	memTx, err := r.fallback.Get(ctx, id)
	switch {
	case err == nil && (!found || memTx.UpdatedAt.After(durableTx.UpdatedAt)):
		return memTx, false, nil
	case found:
		return durableTx, true, nil
	default:
		return domain.Transaction{}, false, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
}

// ListPending returns every non-terminal transaction, newest first.
func (r *Registry) ListPending(ctx context.Context) ([]domain.Transaction, error) {
	return r.list(ctx, "list_pending", storage.NoLimit, func(s storage.Store, limit int) ([]domain.Transaction, error) {
		return s.ListByStatus(ctx, domain.PendingStates, limit)
	})
}

// ListAll returns up to limit transactions, newest first.
func (r *Registry) ListAll(ctx context.Context, limit int) ([]domain.Transaction, error) {
	limit = storage.NormalizeLimit(limit)
	return r.list(ctx, "list_all", limit, func(s storage.Store, limit int) ([]domain.Transaction, error) {
		return s.ListAll(ctx, limit)
	})
}

// list merges both tiers by id. Memory records win when they are newer.
func (r *Registry) list(ctx context.Context, op string, limit int, query func(storage.Store, int) ([]domain.Transaction, error)) ([]domain.Transaction, error) {
	memTxs, err := query(r.fallback, limit)
	if err != nil {
		return nil, err
	}

	store := r.durable.Current()
	if store == nil {
		return memTxs, nil
	}
	durableTxs, err := query(store, limit)
	if err != nil {
		r.fellBack(op, "", err)
		return memTxs, nil
	}
	if len(memTxs) == 0 {
		return durableTxs, nil
	}

	byID := make(map[string]domain.Transaction, len(durableTxs)+len(memTxs))
	for _, tx := range durableTxs {
		byID[tx.ID] = tx
	}
	for _, tx := range memTxs {
		if prev, ok := byID[tx.ID]; !ok || tx.UpdatedAt.After(prev.UpdatedAt) {
			byID[tx.ID] = tx
		}
	}

	out := make([]domain.Transaction, 0, len(byID))
	for _, tx := range byID {
		out = append(out, tx)
	}
	memory.SortNewestFirst(out)
	if limit != storage.NoLimit && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkConfirmed records a successful fill.
func (r *Registry) MarkConfirmed(ctx context.Context, id, txHash string, price float64) (domain.Transaction, error) {
	return r.Update(ctx, id, domain.Patch{
		Status:        domain.Ptr(domain.StateConfirmed),
		TxHash:        domain.Ptr(txHash),
		ExecutedPrice: domain.Ptr(price),
	})
}

// MarkFailed records a terminal failure.
func (r *Registry) MarkFailed(ctx context.Context, id, errMsg string, retryCount int) (domain.Transaction, error) {
	return r.Update(ctx, id, domain.Patch{
		Status:       domain.Ptr(domain.StateFailed),
		ErrorMessage: domain.Ptr(errMsg),
		RetryCount:   domain.Ptr(retryCount),
	})
}

// SetStatus changes only the state.
func (r *Registry) SetStatus(ctx context.Context, id string, status domain.TransactionState) (domain.Transaction, error) {
	return r.Update(ctx, id, domain.Patch{Status: domain.Ptr(status)})
}

func (r *Registry) fellBack(op, id string, cause error) {
	if cause == nil && r.memoryOnly {
		return
	}
	fields := []zap.Field{zap.String("operation", op), zap.String("tier", "memory")}
	if id != "" {
		fields = append(fields, zap.String("transaction_id", id))
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
		r.logger.Warn("Durable store failed, using in-memory fallback", fields...)
	} else {
		r.logger.Warn("Durable store unavailable, using in-memory fallback", fields...)
	}
	if r.recorder != nil {
		r.recorder.RecordStoreFallback(op)
	}
}

// internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// DefaultListLimit bounds list queries when the caller passes no limit.
const DefaultListLimit = 1000

// NoLimit asks a list query for every matching row.
const NoLimit = -1

// Store определяет контракт хранилища транзакций.
// Lists are ordered by creation time, newest first.
type Store interface {
	Insert(ctx context.Context, tx domain.Transaction) error
	// Get returns domain.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (domain.Transaction, error)
	// Update merges patch into the stored row and returns the updated row.
	Update(ctx context.Context, id string, patch domain.Patch, updatedAt time.Time) (domain.Transaction, error)
	ListByStatus(ctx context.Context, states []domain.TransactionState, limit int) ([]domain.Transaction, error)
	ListAll(ctx context.Context, limit int) ([]domain.Transaction, error)
	Ping(ctx context.Context) error
	Close() error
}

// Provider hands out the durable store while it is reachable and nil otherwise.
type Provider interface {
	Current() Store
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() Store

func (f ProviderFunc) Current() Store {
	return f()
}

// NormalizeLimit clamps limit to (0, DefaultListLimit]. NoLimit passes through.
func NormalizeLimit(limit int) int {
	if limit == NoLimit {
		return NoLimit
	}
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

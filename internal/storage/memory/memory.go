// internal/storage/memory/memory.go
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rovshanmuradov/swapflow/internal/domain"
	"github.com/rovshanmuradov/swapflow/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the in-process fallback tier. Records are copied on the way in
// and out so callers never share state with the map.
type Store struct {
	mu  sync.RWMutex
	txs map[string]domain.Transaction
}

// New creates an empty store.
func New() *Store {
	return &Store{txs: make(map[string]domain.Transaction)}
}

func (s *Store) Insert(_ context.Context, tx domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.txs[tx.ID]; exists {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	s.txs[tx.ID] = tx.Clone()
	return nil
}

// Put inserts or replaces a record.
func (s *Store) Put(tx domain.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID] = tx.Clone()
}

func (s *Store) Get(_ context.Context, id string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return tx.Clone(), nil
}

func (s *Store) Update(_ context.Context, id string, patch domain.Patch, updatedAt time.Time) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	updated := patch.Apply(tx, updatedAt)
	s.txs[id] = updated
	return updated.Clone(), nil
}

func (s *Store) ListByStatus(_ context.Context, states []domain.TransactionState, limit int) ([]domain.Transaction, error) {
	return s.list(limit, func(tx domain.Transaction) bool {
		return slices.Contains(states, tx.Status)
	}), nil
}

func (s *Store) ListAll(_ context.Context, limit int) ([]domain.Transaction, error) {
	return s.list(limit, nil), nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txs)
}

func (s *Store) list(limit int, keep func(domain.Transaction) bool) []domain.Transaction {
	s.mu.RLock()
	out := make([]domain.Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		if keep == nil || keep(tx) {
			out = append(out, tx.Clone())
		}
	}
	s.mu.RUnlock()

	SortNewestFirst(out)
	if limit = storage.NormalizeLimit(limit); limit != storage.NoLimit && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SortNewestFirst orders by createdAt descending, id ascending on ties.
func SortNewestFirst(txs []domain.Transaction) {
	slices.SortFunc(txs, func(a, b domain.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

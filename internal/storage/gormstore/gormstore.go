// internal/storage/gormstore/gormstore.go
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rovshanmuradov/swapflow/internal/domain"
	"github.com/rovshanmuradov/swapflow/internal/storage"
	"github.com/rovshanmuradov/swapflow/internal/storage/models"
)

var _ storage.Store = (*Store)(nil)

// Config holds connection settings for the durable store.
type Config struct {
	// DSN is a postgres URL/keyword string or a sqlite DSN prefixed with "sqlite://".
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SlowThreshold   time.Duration
	LogQueries      bool
}

// Store is the gorm-backed durable tier.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects, configures the pool and migrates the schema.
func Open(ctx context.Context, cfg Config, zapLogger *zap.Logger) (*Store, error) {
	dialector, err := dialectorFor(cfg.DSN)
	if err != nil {
		return nil, err
	}

	level := logger.Warn
	if cfg.LogQueries {
		level = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(zapLogger.Named("gorm"), level, cfg.SlowThreshold),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// Настройка пула соединений
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, logger: zapLogger.Named("gormstore")}
	if err := s.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	switch {
	case dsn == "":
		return nil, errors.New("database dsn is empty")
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database dsn scheme: %q", redact(dsn))
	}
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return "..."
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.Transaction{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, tx domain.Transaction) error {
	row := models.FromDomain(tx)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) Get(ctx context.Context, id string) (domain.Transaction, error) {
	var row models.Transaction
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		return domain.Transaction{}, translate(err)
	}
	return row.ToDomain(), nil
}

func (s *Store) Update(ctx context.Context, id string, patch domain.Patch, updatedAt time.Time) (domain.Transaction, error) {
	var updated domain.Transaction

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Transaction
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return err
		}

		updated = patch.Apply(row.ToDomain(), updatedAt)
		res := tx.Model(&models.Transaction{}).
			Where("id = ?", id).
			Updates(columns(patch, updated))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return domain.Transaction{}, translate(err)
	}
	return updated, nil
}

// columns builds the update set from the patch; values come from the merged
// record so monotonic fields stay consistent with the memory tier.
func columns(patch domain.Patch, merged domain.Transaction) map[string]interface{} {
	values := map[string]interface{}{
		"updated_at": merged.UpdatedAt,
	}
	if patch.Status != nil {
		values["status"] = string(merged.Status)
	}
	if patch.SelectedDex != nil {
		values["selected_dex"] = merged.SelectedDex
	}
	if patch.ExecutedPrice != nil {
		values["executed_price"] = *merged.ExecutedPrice
	}
	if patch.TxHash != nil {
		values["tx_hash"] = merged.TxHash
	}
	if patch.ErrorMessage != nil {
		values["error_message"] = merged.ErrorMessage
	}
	if patch.RetryCount != nil {
		values["retry_count"] = merged.RetryCount
	}
	return values
}

func (s *Store) ListByStatus(ctx context.Context, states []domain.TransactionState, limit int) ([]domain.Transaction, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return s.list(s.db.WithContext(ctx).Where("status IN ?", names), limit)
}

func (s *Store) ListAll(ctx context.Context, limit int) ([]domain.Transaction, error) {
	return s.list(s.db.WithContext(ctx), limit)
}

// list orders newest first; gorm drops the LIMIT clause for NoLimit (-1).
func (s *Store) list(q *gorm.DB, limit int) ([]domain.Transaction, error) {
	var rows []models.Transaction
	err := q.Order("created_at desc").
		Order("id asc").
		Limit(storage.NormalizeLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.Transaction, len(rows))
	for i, row := range rows {
		out[i] = row.ToDomain()
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.logger.Info("Closing database connections")
	return sqlDB.Close()
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

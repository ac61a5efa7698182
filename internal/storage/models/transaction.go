// internal/storage/models/transaction.go
package models

import (
	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// Transaction is the persisted row of a swap order.
type Transaction struct {
	ID            string   `gorm:"primaryKey;type:varchar(36)"`
	UserID        string   `gorm:"index;not null;type:varchar(64)"`
	Type          string   `gorm:"not null;type:varchar(16)"`
	TokenIn       string   `gorm:"not null;type:varchar(64)"`
	TokenOut      string   `gorm:"not null;type:varchar(64)"`
	Amount        float64  `gorm:"type:decimal(30,9);not null"`
	Slippage      float64  `gorm:"type:decimal(10,6);not null"`
	Status        string   `gorm:"index;not null;type:varchar(20)"`
	SelectedDex   *string  `gorm:"type:varchar(32)"`
	ExecutedPrice *float64 `gorm:"type:decimal(30,12)"`
	TxHash        *string  `gorm:"type:varchar(100)"`
	ErrorMessage  *string  `gorm:"type:text"`
	RetryCount    int      `gorm:"not null;default:0"`
	BaseModel
}

func (Transaction) TableName() string {
	return "transactions"
}

// FromDomain converts a domain transaction into a row.
func FromDomain(t domain.Transaction) Transaction {
	row := Transaction{
		ID:           t.ID,
		UserID:       t.UserID,
		Type:         string(t.Type),
		TokenIn:      t.TokenIn,
		TokenOut:     t.TokenOut,
		Amount:       t.Amount,
		Slippage:     t.Slippage,
		Status:       string(t.Status),
		SelectedDex:  nullable(t.SelectedDex),
		TxHash:       nullable(t.TxHash),
		ErrorMessage: nullable(t.ErrorMessage),
		RetryCount:   t.RetryCount,
		BaseModel:    BaseModel{CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt},
	}
	if t.ExecutedPrice != nil {
		p := *t.ExecutedPrice
		row.ExecutedPrice = &p
	}
	return row
}

// ToDomain converts a row back into a domain transaction.
func (r Transaction) ToDomain() domain.Transaction {
	t := domain.Transaction{
		ID:         r.ID,
		UserID:     r.UserID,
		Type:       domain.OrderType(r.Type),
		TokenIn:    r.TokenIn,
		TokenOut:   r.TokenOut,
		Amount:     r.Amount,
		Slippage:   r.Slippage,
		Status:     domain.TransactionState(r.Status),
		RetryCount: r.RetryCount,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if r.SelectedDex != nil {
		t.SelectedDex = *r.SelectedDex
	}
	if r.TxHash != nil {
		t.TxHash = *r.TxHash
	}
	if r.ErrorMessage != nil {
		t.ErrorMessage = *r.ErrorMessage
	}
	if r.ExecutedPrice != nil {
		p := *r.ExecutedPrice
		t.ExecutedPrice = &p
	}
	return t
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// internal/storage/models/base.go
package models

import "time"

// BaseModel заменяет gorm.Model для большего контроля.
// Timestamps are written explicitly by the registry, never by gorm hooks.
type BaseModel struct {
	CreatedAt time.Time `gorm:"index;not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

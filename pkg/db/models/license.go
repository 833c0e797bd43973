package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

// License is one sellable key. Rows are never hard-deleted.
type License struct {
	ID         uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	ProductRef string              `gorm:"column:product_ref;not null;index:idx_licenses_product_status,priority:1"`
	SecretKey  string              `gorm:"column:secret_key;not null;uniqueIndex"`
	Status     enums.LicenseStatus `gorm:"column:status;type:license_status;not null;index:idx_licenses_product_status,priority:2"`
	OrderID    *uuid.UUID          `gorm:"column:order_id;type:uuid;index"`
	ReservedAt *time.Time          `gorm:"column:reserved_at"`
	SoldAt     *time.Time          `gorm:"column:sold_at"`
	CreatedAt  time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (License) TableName() string { return "licenses" }

func (l *License) BeforeCreate(*gorm.DB) error {
	ensureID(&l.ID)
	return nil
}

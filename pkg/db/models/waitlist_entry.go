package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

// WaitlistEntry parks a paid order until stock appears. ID is a sequence so
// (Priority, ID) gives a stable FIFO order.
type WaitlistEntry struct {
	ID            int64                `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID       uuid.UUID            `gorm:"column:order_id;type:uuid;not null;uniqueIndex"`
	CustomerRef   string               `gorm:"column:customer_ref;not null"`
	ProductRef    string               `gorm:"column:product_ref;not null;index:idx_waitlist_product_status_priority,priority:1"`
	Quantity      int                  `gorm:"column:quantity;not null;default:1"`
	Status        enums.WaitlistStatus `gorm:"column:status;type:waitlist_status;not null;index:idx_waitlist_product_status_priority,priority:2"`
	Priority      time.Time            `gorm:"column:priority;not null;index:idx_waitlist_product_status_priority,priority:3"`
	LicenseID     *uuid.UUID           `gorm:"column:license_id;type:uuid"`
	RetryCount    int                  `gorm:"column:retry_count;not null;default:0"`
	LastAttemptAt *time.Time           `gorm:"column:last_attempt_at"`
	LastError     *string              `gorm:"column:last_error"`
	CreatedAt     time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (WaitlistEntry) TableName() string { return "waitlist_entries" }

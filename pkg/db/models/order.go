package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

// Order is one purchase of a single license for a product.
type Order struct {
	ID               uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	CustomerRef      string            `gorm:"column:customer_ref;not null"`
	CustomerEmail    string            `gorm:"column:customer_email;not null"`
	ProductRef       string            `gorm:"column:product_ref;not null;index"`
	Quantity         int               `gorm:"column:quantity;not null;default:1"`
	UnitPrice        decimal.Decimal   `gorm:"column:unit_price;type:numeric(12,2);not null"`
	TotalAmount      decimal.Decimal   `gorm:"column:total_amount;type:numeric(12,2);not null"`
	Currency         string            `gorm:"column:currency;not null"`
	Status           enums.OrderStatus `gorm:"column:status;type:order_status;not null;index:idx_orders_status_created,priority:1"`
	DeliveryAttempts int               `gorm:"column:delivery_attempts;not null;default:0"`
	LastDeliveryAt   *time.Time        `gorm:"column:last_delivery_at"`
	DeliveredAt      *time.Time        `gorm:"column:delivered_at"`
	CompletedAt      *time.Time        `gorm:"column:completed_at"`
	CanceledAt       *time.Time        `gorm:"column:canceled_at"`
	CancelReason     *string           `gorm:"column:cancel_reason"`
	CreatedAt        time.Time         `gorm:"column:created_at;autoCreateTime;index:idx_orders_status_created,priority:2"`
	UpdatedAt        time.Time         `gorm:"column:updated_at;autoUpdateTime"`

	Transactions []Transaction `gorm:"foreignKey:OrderID"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}

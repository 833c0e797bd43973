package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

// Transaction is one payment attempt against an order at a gateway.
type Transaction struct {
	ID         uuid.UUID     `gorm:"column:id;type:uuid;primaryKey"`
	OrderID    uuid.UUID     `gorm:"column:order_id;type:uuid;not null;index"`
	Gateway    enums.Gateway `gorm:"column:gateway;not null;uniqueIndex:ux_transactions_gateway_ref,priority:1"`
	GatewayRef string        `gorm:"column:gateway_ref;not null;uniqueIndex:ux_transactions_gateway_ref,priority:2"`
	// ProviderPaymentID is the gateway's own payment id when it differs
	// from GatewayRef (Square refunds only carry it).
	ProviderPaymentID *string                 `gorm:"column:provider_payment_id;index"`
	Amount            decimal.Decimal         `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency          string                  `gorm:"column:currency;not null"`
	PaymentMethod     *string                 `gorm:"column:payment_method"`
	Status            enums.TransactionStatus `gorm:"column:status;type:transaction_status;not null"`
	LastEventAt       *time.Time              `gorm:"column:last_event_at"`
	CreatedAt         time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (Transaction) TableName() string { return "transactions" }

func (t *Transaction) BeforeCreate(*gorm.DB) error {
	ensureID(&t.ID)
	return nil
}

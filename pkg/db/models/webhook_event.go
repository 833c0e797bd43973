package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

// WebhookEvent is the durable idempotency record for a gateway notification
// and, while FAILED, its reprocessing queue entry.
type WebhookEvent struct {
	ID            uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	Provider      enums.Gateway            `gorm:"column:provider;not null;uniqueIndex:ux_webhook_events_provider_external_ref,priority:1;uniqueIndex:ux_webhook_events_global_event,priority:2"`
	ExternalRef   string                   `gorm:"column:external_ref;not null;uniqueIndex:ux_webhook_events_provider_external_ref,priority:2"`
	GlobalEventID *string                  `gorm:"column:global_event_id;uniqueIndex:ux_webhook_events_global_event,priority:1"`
	EventType     string                   `gorm:"column:event_type;not null"`
	GatewayRef    string                   `gorm:"column:gateway_ref;not null;index"`
	Payload       datatypes.JSON           `gorm:"column:payload;not null"`
	Status        enums.WebhookEventStatus `gorm:"column:status;not null;index:idx_webhook_events_status_next,priority:1"`
	ResultStatus  string                   `gorm:"column:result_status"`
	TransactionID *uuid.UUID               `gorm:"column:transaction_id;type:uuid"`
	OrderID       *uuid.UUID               `gorm:"column:order_id;type:uuid"`
	NewStatus     *string                  `gorm:"column:new_status"`
	Attempts      int                      `gorm:"column:attempts;not null;default:0"`
	LastError     *string                  `gorm:"column:last_error"`
	NextAttemptAt *time.Time               `gorm:"column:next_attempt_at;index:idx_webhook_events_status_next,priority:2"`
	ReceivedAt    time.Time                `gorm:"column:received_at;autoCreateTime"`
	ProcessedAt   *time.Time               `gorm:"column:processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

func (e *WebhookEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}

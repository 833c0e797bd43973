package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/internal/ledger"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/outbox"
	"github.com/angelmondragon/keystock-backend/pkg/outbox/payloads"
)

const consumerName = "license-delivery"

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// processedTracker drops redelivered outbox events; see outbox/idempotency.
type processedTracker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, eventID uuid.UUID) error
}

type CompleterParams struct {
	Store    *ledger.Store
	Notifier Notifier
	Outbox   outboxEmitter
	Tracker  processedTracker
	Logger   *logger.Logger
}

// Completer consumes license_delivery_requested events.
type Completer struct {
	store    *ledger.Store
	notifier Notifier
	outbox   outboxEmitter
	tracker  processedTracker
	logg     *logger.Logger
}

func NewCompleter(params CompleterParams) (*Completer, error) {
	if params.Store == nil {
		return nil, errors.New("ledger store required")
	}
	if params.Notifier == nil {
		return nil, errors.New("notifier required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox service required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	return &Completer{
		store:    params.Store,
		notifier: params.Notifier,
		outbox:   params.Outbox,
		tracker:  params.Tracker,
		logg:     params.Logger,
	}, nil
}

// Handle delivers the license named by the event and completes its order.
// A license that was refunded or released in the meantime is skipped.
func (c *Completer) Handle(ctx context.Context, eventID uuid.UUID, evt *payloads.LicenseDeliveryRequested) error {
	if evt == nil || evt.OrderID == uuid.Nil || evt.LicenseID == uuid.Nil {
		return errors.New("delivery event missing order or license")
	}
	ctx = c.logg.WithOrderID(ctx, evt.OrderID.String())

	var license models.License
	if err := c.store.DB().WithContext(ctx).Where("id = ?", evt.LicenseID).Take(&license).Error; err != nil {
		return fmt.Errorf("load license %s: %w", evt.LicenseID, err)
	}
	if license.Status != enums.LicenseStatusSold || license.OrderID == nil || *license.OrderID != evt.OrderID {
		c.logg.Warn(c.logg.WithField(ctx, "license_status", license.Status), "license no longer sold to order, skipping delivery")
		return nil
	}

	alreadySent := false
	if c.tracker != nil {
		seen, err := c.tracker.CheckAndMarkProcessed(ctx, consumerName, eventID)
		if err != nil {
			return fmt.Errorf("check delivery idempotency: %w", err)
		}
		alreadySent = seen
	}
	if !alreadySent {
		err := c.notifier.Deliver(ctx, Request{
			OrderID:       evt.OrderID,
			LicenseID:     license.ID,
			ProductRef:    license.ProductRef,
			CustomerRef:   evt.CustomerRef,
			CustomerEmail: evt.CustomerEmail,
			SecretKey:     license.SecretKey,
			Source:        evt.Source,
		})
		if err != nil {
			if c.tracker != nil {
				if delErr := c.tracker.Delete(ctx, consumerName, eventID); delErr != nil {
					c.logg.Error(ctx, "failed to clear delivery idempotency key", delErr)
				}
			}
			return fmt.Errorf("deliver license %s: %w", license.ID, err)
		}
	}

	return c.store.WithLockedOrder(ctx, ledger.ClassReconcile, evt.OrderID, func(otx *ledger.OrderTx) error {
		return MarkOrderCompleted(ctx, otx, c.outbox, license.ID)
	})
}

// MarkOrderCompleted records a successful delivery on the locked order and
// moves it to COMPLETED. Orders that are not IN_PROCESS are left alone.
func MarkOrderCompleted(ctx context.Context, otx *ledger.OrderTx, emitter outboxEmitter, licenseID uuid.UUID) error {
	order := otx.Order()
	if order.Status != enums.OrderStatusInProcess {
		return nil
	}
	now := otx.Now()
	if err := otx.TransitionOrder(ctx, enums.OrderStatusCompleted, map[string]any{
		"delivery_attempts": gorm.Expr("delivery_attempts + 1"),
		"last_delivery_at":  now,
		"delivered_at":      now,
		"completed_at":      now,
	}); err != nil {
		return err
	}
	return emitter.Emit(ctx, otx.DB(), outbox.DomainEvent{
		EventType:     enums.EventOrderCompleted,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		OccurredAt:    now,
		Data: payloads.OrderCompleted{
			OrderID:     order.ID,
			LicenseID:   licenseID,
			CompletedAt: now,
		},
	})
}

// Package waitlist parks paid orders that found no stock and serves them in
// FIFO order as licenses come back.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/keystock-backend/internal/delivery"
	"github.com/angelmondragon/keystock-backend/internal/inventory"
	"github.com/angelmondragon/keystock-backend/internal/ledger"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/metrics"
	"github.com/angelmondragon/keystock-backend/pkg/outbox"
	"github.com/angelmondragon/keystock-backend/pkg/outbox/payloads"
)

const (
	defaultMaxRetries    = 5
	defaultDeliveryDelay = 2 * time.Second
	defaultStaleAfter    = 10 * time.Minute
	defaultBatchSize     = 25
	maxErrorLen          = 1024
)

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type ServiceParams struct {
	Store     *ledger.Store
	Allocator *inventory.Allocator
	Outbox    outboxEmitter
	Notifier  delivery.Notifier
	Logger    *logger.Logger
	Metrics   *metrics.SalesMetrics

	MaxRetries    int
	DeliveryDelay time.Duration
	StaleAfter    time.Duration
	BatchSize     int
	// Sleep waits between deliveries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Service struct {
	store     *ledger.Store
	allocator *inventory.Allocator
	outbox    outboxEmitter
	notifier  delivery.Notifier
	logg      *logger.Logger
	metrics   *metrics.SalesMetrics

	maxRetries    int
	deliveryDelay time.Duration
	staleAfter    time.Duration
	batchSize     int
	sleep         func(ctx context.Context, d time.Duration) error
}

type DrainResult struct {
	Reserved int `json:"reserved"`
}

type ProcessResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.Allocator == nil {
		return nil, fmt.Errorf("allocator required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	s := &Service{
		store:         params.Store,
		allocator:     params.Allocator,
		outbox:        params.Outbox,
		notifier:      params.Notifier,
		logg:          params.Logger,
		metrics:       params.Metrics,
		maxRetries:    params.MaxRetries,
		deliveryDelay: params.DeliveryDelay,
		staleAfter:    params.StaleAfter,
		batchSize:     params.BatchSize,
		sleep:         params.Sleep,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.deliveryDelay < 0 {
		s.deliveryDelay = defaultDeliveryDelay
	}
	if s.staleAfter <= 0 {
		s.staleAfter = defaultStaleAfter
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	return s, nil
}

// Enqueue parks the order inside the caller's transaction. Enqueuing an
// order twice returns the existing entry.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.WaitlistEntry, error) {
	now := s.store.Now()
	entry := &models.WaitlistEntry{
		OrderID:     order.ID,
		CustomerRef: order.CustomerRef,
		ProductRef:  order.ProductRef,
		Quantity:    order.Quantity,
		Status:      enums.WaitlistStatusPending,
		Priority:    now,
	}
	if entry.Quantity <= 0 {
		entry.Quantity = 1
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return nil, fmt.Errorf("enqueue order %s: %w", order.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var existing models.WaitlistEntry
		if err := tx.WithContext(ctx).Where("order_id = ?", order.ID).Take(&existing).Error; err != nil {
			return nil, fmt.Errorf("load waitlist entry for order %s: %w", order.ID, err)
		}
		return &existing, nil
	}

	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderWaitlisted,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		OccurredAt:    now,
		Data: payloads.OrderWaitlisted{
			OrderID:    order.ID,
			EntryID:    entry.ID,
			ProductRef: order.ProductRef,
			Priority:   entry.Priority,
		},
	}); err != nil {
		return nil, err
	}
	s.metrics.IncWaitlist("enqueued")
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"order_id":    order.ID.String(),
		"product_ref": order.ProductRef,
		"entry_id":    entry.ID,
	})
	s.logg.Info(logCtx, "order waitlisted")
	return entry, nil
}

// Drain reserves licenses for PENDING entries of productRef, oldest first,
// until stock or entries run out.
func (s *Service) Drain(ctx context.Context, productRef string) (DrainResult, error) {
	var result DrainResult
	var errs error
	for {
		if err := ctx.Err(); err != nil {
			return result, multierr.Append(errs, err)
		}
		next, err := s.oldestPending(ctx, productRef)
		if err != nil {
			return result, multierr.Append(errs, err)
		}
		if next == nil {
			break
		}
		reserved, err := s.reserve(ctx, next.OrderID)
		if errors.Is(err, inventory.ErrOutOfStock) {
			break
		}
		if err != nil {
			err = fmt.Errorf("reserve for waitlist entry %d: %w", next.ID, err)
			if !unservable(err) {
				// Entries behind the head cannot be served before it.
				errs = multierr.Append(errs, err)
				break
			}
			if failErr := s.failEntry(ctx, next, err); failErr != nil {
				errs = multierr.Combine(errs, err, failErr)
				break
			}
			continue
		}
		if reserved {
			result.Reserved++
		}
	}
	if result.Reserved > 0 {
		logCtx := s.logg.WithFields(ctx, map[string]any{"product_ref": productRef, "reserved": result.Reserved})
		s.logg.Info(logCtx, "waitlist drained")
	}
	return result, errs
}

// unservable reports errors that retrying the entry will not clear.
func unservable(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeNotFound) || pkgerrors.IsCode(err, pkgerrors.CodeStateConflict)
}

// failEntry takes a PENDING entry that can never be served out of the queue.
func (s *Service) failEntry(ctx context.Context, entry *models.WaitlistEntry, cause error) error {
	res := s.store.DB().WithContext(ctx).Model(&models.WaitlistEntry{}).
		Where("id = ? AND status = ?", entry.ID, enums.WaitlistStatusPending).
		Updates(map[string]any{
			"status":     enums.WaitlistStatusFailed,
			"last_error": truncate(cause.Error()),
			"updated_at": s.store.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("fail waitlist entry %d: %w", entry.ID, res.Error)
	}
	if res.RowsAffected == 1 {
		s.metrics.IncWaitlist(string(enums.WaitlistStatusFailed))
	}
	logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, entry.OrderID.String()), map[string]any{
		"waitlist_entry_id": entry.ID,
		"product_ref":       entry.ProductRef,
	})
	s.logg.Error(logCtx, "waitlist entry failed during drain", cause)
	return nil
}

// DrainAll drains every product that has PENDING entries.
func (s *Service) DrainAll(ctx context.Context) (DrainResult, error) {
	var products []string
	if err := s.store.DB().WithContext(ctx).
		Model(&models.WaitlistEntry{}).
		Where("status = ?", enums.WaitlistStatusPending).
		Distinct("product_ref").
		Order("product_ref ASC").
		Pluck("product_ref", &products).Error; err != nil {
		return DrainResult{}, fmt.Errorf("list waitlisted products: %w", err)
	}
	var total DrainResult
	var errs error
	for _, product := range products {
		res, err := s.Drain(ctx, product)
		total.Reserved += res.Reserved
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("drain %s: %w", product, err))
		}
	}
	return total, errs
}

func (s *Service) oldestPending(ctx context.Context, productRef string) (*models.WaitlistEntry, error) {
	var entry models.WaitlistEntry
	err := s.store.DB().WithContext(ctx).
		Where("product_ref = ? AND status = ?", productRef, enums.WaitlistStatusPending).
		Order("priority ASC").
		Order("id ASC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read waitlist head for %s: %w", productRef, err)
	}
	return &entry, nil
}

// reserve locks the entry's order, then the entry, and binds a RESERVED
// license to it. It reports false when the entry left PENDING meanwhile.
func (s *Service) reserve(ctx context.Context, orderID uuid.UUID) (bool, error) {
	reserved := false
	err := s.store.WithLockedOrder(ctx, ledger.ClassAllocation, orderID, func(otx *ledger.OrderTx) error {
		reserved = false
		entry, err := otx.LockWaitlistEntry(ctx)
		if err != nil {
			return err
		}
		if entry == nil || entry.Status != enums.WaitlistStatusPending {
			return nil
		}
		if otx.Order().Status.IsTerminal() {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "order %s is %s", orderID, otx.Order().Status)
		}
		license, err := s.allocator.Allocate(ctx, otx, inventory.ModeReserve)
		if err != nil {
			return err
		}
		if err := otx.DB().WithContext(ctx).Model(&models.WaitlistEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"status":     enums.WaitlistStatusReserved,
				"license_id": license.ID,
				"updated_at": otx.Now(),
			}).Error; err != nil {
			return fmt.Errorf("mark waitlist entry %d reserved: %w", entry.ID, err)
		}
		reserved = true
		return nil
	})
	if err == nil && reserved {
		s.metrics.IncWaitlist("reserved")
	}
	return reserved, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// Package compensation cancels orders that failed or were abandoned and
// gives their resources back.
package compensation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/internal/inventory"
	"github.com/angelmondragon/keystock-backend/internal/ledger"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/outbox"
	"github.com/angelmondragon/keystock-backend/pkg/outbox/payloads"
)

const (
	ReasonTimeout       = "timeout"
	ReasonPaymentFailed = "payment_failed"
	ReasonRefunded      = "refunded"

	defaultBatchSize = 100
)

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type SweeperParams struct {
	Store     *ledger.Store
	Allocator *inventory.Allocator
	Outbox    outboxEmitter
	Logger    *logger.Logger
	BatchSize int
}

type Sweeper struct {
	store     *ledger.Store
	allocator *inventory.Allocator
	outbox    outboxEmitter
	logg      *logger.Logger
	batchSize int
}

// SweepResult summarizes one sweep. Errors counts orders whose cancellation
// failed; they are retried on the next sweep.
type SweepResult struct {
	Processed int `json:"processed"`
	Canceled  int `json:"canceled"`
	Errors    int `json:"errors"`
}

func NewSweeper(params SweeperParams) (*Sweeper, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.Allocator == nil {
		return nil, fmt.Errorf("allocator required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Sweeper{
		store:     params.Store,
		allocator: params.Allocator,
		outbox:    params.Outbox,
		logg:      params.Logger,
		batchSize: batch,
	}, nil
}

// CancelOrder cancels the locked order: open transactions become FAILED,
// the waitlist entry FAILED and held licenses AVAILABLE. Canceling a
// CANCELED order is a no-op.
func (s *Sweeper) CancelOrder(ctx context.Context, otx *ledger.OrderTx, reason string) error {
	order := otx.Order()
	if order.Status == enums.OrderStatusCanceled {
		return nil
	}
	now := otx.Now()
	if err := otx.TransitionOrder(ctx, enums.OrderStatusCanceled, map[string]any{
		"canceled_at":   now,
		"cancel_reason": reason,
	}); err != nil {
		return err
	}

	txns, err := otx.LockTransactions(ctx)
	if err != nil {
		return err
	}
	for i := range txns {
		if !txns[i].Status.IsOpen() {
			continue
		}
		if _, err := otx.SetTransactionStatus(ctx, &txns[i], enums.TransactionStatusFailed, nil); err != nil {
			return err
		}
	}

	entry, err := otx.LockWaitlistEntry(ctx)
	if err != nil {
		return err
	}
	if entry != nil && !entry.Status.IsTerminal() {
		msg := "order canceled: " + reason
		if err := otx.DB().WithContext(ctx).Model(&models.WaitlistEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"status":     enums.WaitlistStatusFailed,
				"last_error": msg,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("fail waitlist entry %d: %w", entry.ID, err)
		}
	}

	released, err := s.allocator.ReleaseHeld(ctx, otx, reason)
	if err != nil {
		return err
	}

	if err := s.outbox.Emit(ctx, otx.DB(), outbox.DomainEvent{
		EventType:     enums.EventOrderCanceled,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         &outbox.Actor{Kind: "system", ID: reason},
		OccurredAt:    now,
		Data: payloads.OrderCanceled{
			OrderID:    order.ID,
			Reason:     reason,
			Released:   released,
			CanceledAt: now,
		},
	}); err != nil {
		return err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"order_id": order.ID.String(),
		"reason":   reason,
		"released": released,
	})
	s.logg.Info(logCtx, "order canceled")
	return nil
}

// Sweep cancels PENDING orders older than timeout that never captured a
// payment. Each order is handled in its own transaction; a failure is
// counted and the sweep moves on.
func (s *Sweeper) Sweep(ctx context.Context, timeout time.Duration) (SweepResult, error) {
	var result SweepResult
	if timeout <= 0 {
		return result, pkgerrors.New(pkgerrors.CodeValidation, "timeout must be positive")
	}
	cutoff := s.store.Now().Add(-timeout)

	ids, err := s.expiredOrderIDs(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("query expired orders: %w", err)
	}

	var errs error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		result.Processed++
		canceled, err := s.expireOrder(ctx, id, cutoff)
		if err != nil {
			result.Errors++
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", id, err))
			s.logg.Error(s.logg.WithOrderID(ctx, id.String()), "order timeout compensation failed", err)
			continue
		}
		if canceled {
			result.Canceled++
		}
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"processed": result.Processed,
		"canceled":  result.Canceled,
		"errors":    result.Errors,
	})
	s.logg.Info(logCtx, "order timeout sweep complete")
	return result, errs
}

func (s *Sweeper) expireOrder(ctx context.Context, orderID uuid.UUID, cutoff time.Time) (bool, error) {
	canceled := false
	err := s.store.WithLockedOrder(ctx, ledger.ClassCompensation, orderID, func(otx *ledger.OrderTx) error {
		canceled = false
		order := otx.Order()
		if order.Status != enums.OrderStatusPending || !order.CreatedAt.Before(cutoff) {
			return nil
		}
		txns, err := otx.LockTransactions(ctx)
		if err != nil {
			return err
		}
		for _, txn := range txns {
			if txn.Status.IsCaptured() {
				return nil
			}
		}
		if err := s.CancelOrder(ctx, otx, ReasonTimeout); err != nil {
			return err
		}
		canceled = true
		return nil
	})
	return canceled, err
}

func (s *Sweeper) expiredOrderIDs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.store.DB().WithContext(ctx).
		Model(&models.Order{}).
		Where("status = ? AND created_at < ?", enums.OrderStatusPending, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM transactions t WHERE t.order_id = orders.id AND t.status IN ?)",
			[]enums.TransactionStatus{enums.TransactionStatusPaid, enums.TransactionStatusSettled}).
		Order("created_at ASC").
		Limit(s.batchSize).
		Pluck("id", &ids).Error
	return ids, err
}

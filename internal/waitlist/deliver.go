package waitlist

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/keystock-backend/internal/delivery"
	"github.com/angelmondragon/keystock-backend/internal/ledger"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	"github.com/angelmondragon/keystock-backend/pkg/outbox"
	"github.com/angelmondragon/keystock-backend/pkg/outbox/payloads"
)

const deliverySource = "waitlist"

type candidate struct {
	ID      int64
	OrderID uuid.UUID
}

// ProcessReserved delivers the licenses reserved for waitlisted orders. Each
// entry is claimed in a short transaction, delivered outside of any
// transaction and finalized in a third one.
func (s *Service) ProcessReserved(ctx context.Context) (ProcessResult, error) {
	var result ProcessResult
	candidates, err := s.deliveryCandidates(ctx)
	if err != nil {
		return result, err
	}

	var errs error
	attempted := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return result, multierr.Append(errs, err)
		}
		req, err := s.claim(ctx, c.OrderID)
		if err != nil {
			errs = multierr.Append(errs, s.entryError(ctx, c, "claim", err))
			continue
		}
		if req == nil {
			continue
		}
		if attempted > 0 {
			if err := s.sleep(ctx, s.deliveryDelay); err != nil {
				return result, multierr.Append(errs, err)
			}
		}
		attempted++

		deliverErr := s.notifier.Deliver(ctx, *req)
		outcome, err := s.finalize(ctx, c.OrderID, req.LicenseID, deliverErr)
		if err != nil {
			errs = multierr.Append(errs, s.entryError(ctx, c, "finalize", err))
			continue
		}
		switch outcome {
		case enums.WaitlistStatusCompleted:
			result.Completed++
		case enums.WaitlistStatusFailed:
			result.Failed++
		case enums.WaitlistStatusReserved:
			result.Retried++
		}
		if outcome != "" {
			s.metrics.IncWaitlist(string(outcome))
		}
	}
	return result, errs
}

// entryError logs a failure on one entry so the rest of the batch can go on.
func (s *Service) entryError(ctx context.Context, c candidate, step string, err error) error {
	err = fmt.Errorf("%s waitlist entry %d: %w", step, c.ID, err)
	logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, c.OrderID.String()), map[string]any{
		"waitlist_entry_id": c.ID,
		"step":              step,
	})
	s.logg.Error(logCtx, "waitlist entry skipped", err)
	return err
}

func (s *Service) deliveryCandidates(ctx context.Context) ([]candidate, error) {
	staleBefore := s.store.Now().Add(-s.staleAfter)
	var rows []candidate
	err := s.store.DB().WithContext(ctx).
		Model(&models.WaitlistEntry{}).
		Select("id", "order_id").
		Where("status = ? OR (status = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?))",
			enums.WaitlistStatusReserved, enums.WaitlistStatusProcessing, staleBefore).
		Order("priority ASC").
		Order("id ASC").
		Limit(s.batchSize).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list reserved waitlist entries: %w", err)
	}
	return rows, nil
}

// claim moves a RESERVED (or abandoned PROCESSING) entry to PROCESSING and
// returns what to deliver. It returns nil when the entry is no longer
// claimable.
func (s *Service) claim(ctx context.Context, orderID uuid.UUID) (*delivery.Request, error) {
	var req *delivery.Request
	err := s.store.WithLockedOrder(ctx, ledger.ClassReconcile, orderID, func(otx *ledger.OrderTx) error {
		req = nil
		entry, err := otx.LockWaitlistEntry(ctx)
		if err != nil || entry == nil {
			return err
		}
		now := otx.Now()
		claimable := entry.Status == enums.WaitlistStatusReserved ||
			(entry.Status == enums.WaitlistStatusProcessing &&
				(entry.LastAttemptAt == nil || entry.LastAttemptAt.Before(now.Add(-s.staleAfter))))
		if !claimable || entry.LicenseID == nil {
			return nil
		}
		license, err := otx.LockLicense(ctx, *entry.LicenseID)
		if err != nil {
			return err
		}
		if err := otx.DB().WithContext(ctx).Model(&models.WaitlistEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"status":          enums.WaitlistStatusProcessing,
				"last_attempt_at": now,
				"updated_at":      now,
			}).Error; err != nil {
			return fmt.Errorf("claim entry %d: %w", entry.ID, err)
		}
		order := otx.Order()
		req = &delivery.Request{
			OrderID:       order.ID,
			LicenseID:     license.ID,
			ProductRef:    license.ProductRef,
			CustomerRef:   order.CustomerRef,
			CustomerEmail: order.CustomerEmail,
			SecretKey:     license.SecretKey,
			Source:        deliverySource,
		}
		return nil
	})
	return req, err
}

// finalize applies the delivery result and returns the entry's new status,
// or "" when the entry was changed by someone else in the meantime.
func (s *Service) finalize(ctx context.Context, orderID, licenseID uuid.UUID, deliverErr error) (enums.WaitlistStatus, error) {
	var outcome enums.WaitlistStatus
	err := s.store.WithLockedOrder(ctx, ledger.ClassReconcile, orderID, func(otx *ledger.OrderTx) error {
		outcome = ""
		entry, err := otx.LockWaitlistEntry(ctx)
		if err != nil || entry == nil {
			return err
		}
		if entry.Status != enums.WaitlistStatusProcessing || entry.LicenseID == nil || *entry.LicenseID != licenseID {
			return nil
		}
		now := otx.Now()
		if deliverErr == nil {
			license, err := otx.LockLicense(ctx, licenseID)
			if err != nil {
				return err
			}
			if err := s.allocator.Promote(ctx, otx, license); err != nil {
				return err
			}
			if err := otx.DB().WithContext(ctx).Model(&models.WaitlistEntry{}).
				Where("id = ?", entry.ID).
				Updates(map[string]any{"status": enums.WaitlistStatusCompleted, "last_error": nil, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("complete entry %d: %w", entry.ID, err)
			}
			if err := delivery.MarkOrderCompleted(ctx, otx, s.outbox, licenseID); err != nil {
				return err
			}
			outcome = enums.WaitlistStatusCompleted
			return nil
		}

		msg := truncate(deliverErr.Error())
		retries := entry.RetryCount + 1
		if err := otx.DB().WithContext(ctx).Model(&models.Order{}).
			Where("id = ?", orderID).
			Updates(map[string]any{"delivery_attempts": otx.Order().DeliveryAttempts + 1, "last_delivery_at": now}).Error; err != nil {
			return fmt.Errorf("record delivery attempt on order %s: %w", orderID, err)
		}
		if retries < s.maxRetries {
			if err := otx.DB().WithContext(ctx).Model(&models.WaitlistEntry{}).
				Where("id = ?", entry.ID).
				Updates(map[string]any{
					"status":      enums.WaitlistStatusReserved,
					"retry_count": retries,
					"last_error":  msg,
					"updated_at":  now,
				}).Error; err != nil {
				return fmt.Errorf("requeue entry %d: %w", entry.ID, err)
			}
			outcome = enums.WaitlistStatusReserved
			return nil
		}

		if err := s.allocator.Release(ctx, otx, licenseID, "waitlist_delivery_failed"); err != nil {
			return err
		}
		if err := otx.DB().WithContext(ctx).Model(&models.WaitlistEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"status":      enums.WaitlistStatusFailed,
				"retry_count": retries,
				"last_error":  msg,
				"updated_at":  now,
			}).Error; err != nil {
			return fmt.Errorf("fail entry %d: %w", entry.ID, err)
		}
		if err := s.outbox.Emit(ctx, otx.DB(), outbox.DomainEvent{
			EventType:     enums.EventWaitlistDeliveryFailed,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			OccurredAt:    now,
			Data: payloads.WaitlistDeliveryFailed{
				OrderID:    orderID,
				EntryID:    entry.ID,
				LicenseID:  &licenseID,
				RetryCount: retries,
				LastError:  msg,
			},
		}); err != nil {
			return err
		}
		outcome = enums.WaitlistStatusFailed
		return nil
	})
	if err != nil {
		return "", err
	}
	if deliverErr != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id":   orderID.String(),
			"license_id": licenseID.String(),
			"outcome":    string(outcome),
		})
		s.logg.Warn(logCtx, "waitlist delivery failed: "+deliverErr.Error())
	}
	return outcome, nil
}

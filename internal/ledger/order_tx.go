package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
)

// OrderTx is a transaction that holds the row lock on one order.
type OrderTx struct {
	tx    *gorm.DB
	order *models.Order
	now   func() time.Time
}

// DB exposes the transaction for writes that take no further row locks
// (inserts, outbox events, idempotency records).
func (o *OrderTx) DB() *gorm.DB { return o.tx }

// Order is the locked order row. Its fields track writes made through
// TransitionOrder.
func (o *OrderTx) Order() *models.Order { return o.order }

func (o *OrderTx) Now() time.Time { return o.now() }

// TransitionOrder moves the order to next, applying extra column updates.
func (o *OrderTx) TransitionOrder(ctx context.Context, next enums.OrderStatus, extra map[string]any) error {
	current := o.order.Status
	if current == next {
		return nil
	}
	if !current.CanTransitionTo(next) {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "order %s cannot move from %s to %s", o.order.ID, current, next)
	}

	now := o.now()
	updates := map[string]any{"status": next, "updated_at": now}
	for k, v := range extra {
		updates[k] = v
	}
	res := o.tx.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", o.order.ID, current).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update order %s: %w", o.order.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "order %s changed concurrently", o.order.ID)
	}
	o.order.Status = next
	o.order.UpdatedAt = now
	return nil
}

// LockTransaction locks one of the order's transactions.
func (o *OrderTx) LockTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	err := forUpdate(o.tx.WithContext(ctx)).
		Where("id = ? AND order_id = ?", transactionID, o.order.ID).
		Take(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "transaction %s not found on order %s", transactionID, o.order.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", transactionID, err)
	}
	return &txn, nil
}

// LockTransactions locks every transaction on the order, oldest first.
func (o *OrderTx) LockTransactions(ctx context.Context) ([]models.Transaction, error) {
	var txns []models.Transaction
	if err := forUpdate(o.tx.WithContext(ctx)).
		Where("order_id = ?", o.order.ID).
		Order("created_at ASC, id ASC").
		Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("lock transactions for order %s: %w", o.order.ID, err)
	}
	return txns, nil
}

// SetTransactionStatus moves txn to next when the lifecycle allows it and
// reports whether a change was written.
func (o *OrderTx) SetTransactionStatus(ctx context.Context, txn *models.Transaction, next enums.TransactionStatus, extra map[string]any) (bool, error) {
	if txn.Status == next {
		return false, nil
	}
	if !txn.Status.CanTransitionTo(next) {
		return false, nil
	}
	now := o.now()
	updates := map[string]any{"status": next, "updated_at": now}
	for k, v := range extra {
		updates[k] = v
	}
	if err := o.tx.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", txn.ID).
		Updates(updates).Error; err != nil {
		return false, fmt.Errorf("update transaction %s: %w", txn.ID, err)
	}
	txn.Status = next
	txn.UpdatedAt = now
	return true, nil
}

// LockWaitlistEntry locks the order's waitlist entry. It returns nil when
// the order was never waitlisted.
func (o *OrderTx) LockWaitlistEntry(ctx context.Context) (*models.WaitlistEntry, error) {
	var entry models.WaitlistEntry
	err := forUpdate(o.tx.WithContext(ctx)).
		Where("order_id = ?", o.order.ID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock waitlist entry for order %s: %w", o.order.ID, err)
	}
	return &entry, nil
}

// WaitlistAhead reports whether PENDING waitlist entries for productRef are
// queued in front of the locked order. When the order has no entry of its
// own every PENDING entry is ahead of it.
func (o *OrderTx) WaitlistAhead(ctx context.Context, productRef string) (bool, error) {
	q := o.tx.WithContext(ctx).Model(&models.WaitlistEntry{}).
		Where("product_ref = ? AND status = ? AND order_id <> ?", productRef, enums.WaitlistStatusPending, o.order.ID)

	var own models.WaitlistEntry
	err := o.tx.WithContext(ctx).Where("order_id = ?", o.order.ID).Take(&own).Error
	switch {
	case err == nil:
		q = q.Where("(priority < ? OR (priority = ? AND id < ?))", own.Priority, own.Priority, own.ID)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return false, fmt.Errorf("read waitlist entry for order %s: %w", o.order.ID, err)
	}

	var ahead int64
	if err := q.Count(&ahead).Error; err != nil {
		return false, fmt.Errorf("count waitlist ahead of order %s: %w", o.order.ID, err)
	}
	return ahead > 0, nil
}

// LockHeldLicenses locks the RESERVED or SOLD licenses bound to the order.
func (o *OrderTx) LockHeldLicenses(ctx context.Context) ([]models.License, error) {
	var licenses []models.License
	if err := forUpdate(o.tx.WithContext(ctx)).
		Where("order_id = ? AND status IN ?", o.order.ID, []enums.LicenseStatus{enums.LicenseStatusReserved, enums.LicenseStatusSold}).
		Order("created_at ASC, id ASC").
		Find(&licenses).Error; err != nil {
		return nil, fmt.Errorf("lock licenses for order %s: %w", o.order.ID, err)
	}
	return licenses, nil
}

// LockLicense locks a license by id. Callers must only pass licenses that
// belong to, or are about to be bound to, the locked order.
func (o *OrderTx) LockLicense(ctx context.Context, licenseID uuid.UUID) (*models.License, error) {
	var license models.License
	err := forUpdate(o.tx.WithContext(ctx)).Where("id = ?", licenseID).Take(&license).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "license %s not found", licenseID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock license %s: %w", licenseID, err)
	}
	return &license, nil
}

// LockAvailableLicense locks the oldest AVAILABLE license for productRef,
// skipping rows other transactions already hold. It returns nil when there
// is no free stock.
func (o *OrderTx) LockAvailableLicense(ctx context.Context, productRef string) (*models.License, error) {
	var license models.License
	err := forUpdateSkipLocked(o.tx.WithContext(ctx)).
		Where("product_ref = ? AND status = ?", productRef, enums.LicenseStatusAvailable).
		Order("created_at ASC, id ASC").
		Limit(1).
		Take(&license).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock available license for %s: %w", productRef, err)
	}
	return &license, nil
}

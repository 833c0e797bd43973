// Package inventory binds licenses to orders and returns them to the pool.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/internal/ledger"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/metrics"
)

// ErrOutOfStock is returned when no AVAILABLE license exists for a product,
// or when earlier waitlisted orders are still owed the stock that exists.
// It is a normal branch, not a failure.
var ErrOutOfStock = errors.New("out of stock")

// Mode selects the status an allocated license lands in.
type Mode int

const (
	// ModeSell marks the license SOLD.
	ModeSell Mode = iota
	// ModeReserve marks the license RESERVED pending payment or delivery.
	ModeReserve
)

func (m Mode) String() string {
	if m == ModeReserve {
		return "reserve"
	}
	return "sell"
}

func (m Mode) status() enums.LicenseStatus {
	if m == ModeReserve {
		return enums.LicenseStatusReserved
	}
	return enums.LicenseStatusSold
}

type AllocatorParams struct {
	Store   *ledger.Store
	Logger  *logger.Logger
	Metrics *metrics.SalesMetrics
}

type Allocator struct {
	store   *ledger.Store
	logg    *logger.Logger
	metrics *metrics.SalesMetrics
}

func NewAllocator(params AllocatorParams) (*Allocator, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Allocator{
		store:   params.Store,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

// Allocate binds one license to the locked order. When the order already
// holds a license it is reused: a RESERVED license is promoted to SOLD in
// ModeSell, and an existing SOLD license is returned as is.
func (a *Allocator) Allocate(ctx context.Context, otx *ledger.OrderTx, mode Mode) (*models.License, error) {
	order := otx.Order()

	held, err := otx.LockHeldLicenses(ctx)
	if err != nil {
		return nil, err
	}
	if len(held) > 0 {
		license := &held[0]
		if mode == ModeSell && license.Status == enums.LicenseStatusReserved {
			if err := a.Promote(ctx, otx, license); err != nil {
				return nil, err
			}
		}
		return license, nil
	}

	// Fresh stock goes to the waitlist first.
	queued, err := otx.WaitlistAhead(ctx, order.ProductRef)
	if err != nil {
		return nil, err
	}
	if queued {
		a.metrics.IncOutOfStock(order.ProductRef)
		return nil, ErrOutOfStock
	}

	license, err := otx.LockAvailableLicense(ctx, order.ProductRef)
	if err != nil {
		return nil, err
	}
	if license == nil {
		a.metrics.IncOutOfStock(order.ProductRef)
		return nil, ErrOutOfStock
	}

	now := otx.Now()
	updates := map[string]any{
		"status":     mode.status(),
		"order_id":   order.ID,
		"updated_at": now,
	}
	if mode == ModeSell {
		updates["sold_at"] = now
	} else {
		updates["reserved_at"] = now
	}
	res := otx.DB().WithContext(ctx).Model(&models.License{}).
		Where("id = ? AND status = ?", license.ID, enums.LicenseStatusAvailable).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("allocate license %s: %w", license.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, fmt.Errorf("license %s left AVAILABLE while locked", license.ID)
	}

	orderID := order.ID
	license.Status = mode.status()
	license.OrderID = &orderID
	license.UpdatedAt = now
	if mode == ModeSell {
		license.SoldAt = &now
	} else {
		license.ReservedAt = &now
	}

	a.metrics.IncAllocation(order.ProductRef, mode.String())
	logCtx := a.logg.WithFields(ctx, map[string]any{
		"order_id":    order.ID.String(),
		"license_id":  license.ID.String(),
		"product_ref": order.ProductRef,
		"mode":        mode.String(),
	})
	a.logg.Info(logCtx, "license allocated")
	return license, nil
}

// Promote turns the order's RESERVED license into a SOLD one.
func (a *Allocator) Promote(ctx context.Context, otx *ledger.OrderTx, license *models.License) error {
	if license.Status == enums.LicenseStatusSold {
		return nil
	}
	if license.Status != enums.LicenseStatusReserved {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "license %s is %s, not RESERVED", license.ID, license.Status)
	}
	now := otx.Now()
	if err := otx.DB().WithContext(ctx).Model(&models.License{}).
		Where("id = ?", license.ID).
		Updates(map[string]any{"status": enums.LicenseStatusSold, "sold_at": now, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("promote license %s: %w", license.ID, err)
	}
	license.Status = enums.LicenseStatusSold
	license.SoldAt = &now
	license.UpdatedAt = now
	return nil
}

// AllocateForOrder opens its own allocation transaction around Allocate.
func (a *Allocator) AllocateForOrder(ctx context.Context, orderID uuid.UUID, mode Mode) (*models.License, error) {
	var out *models.License
	err := a.store.WithLockedOrder(ctx, ledger.ClassAllocation, orderID, func(otx *ledger.OrderTx) error {
		out = nil
		if otx.Order().Status.IsTerminal() {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "order %s is %s", orderID, otx.Order().Status)
		}
		license, err := a.Allocate(ctx, otx, mode)
		if err != nil {
			return err
		}
		out = license
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Release returns a license held by the locked order to AVAILABLE. Releasing
// an AVAILABLE license is a no-op.
func (a *Allocator) Release(ctx context.Context, otx *ledger.OrderTx, licenseID uuid.UUID, reason string) error {
	license, err := otx.LockLicense(ctx, licenseID)
	if err != nil {
		return err
	}
	return a.release(ctx, otx.DB(), otx.Order().ID, license, reason, otx.Now)
}

// ReleaseHeld releases every license held by the locked order.
func (a *Allocator) ReleaseHeld(ctx context.Context, otx *ledger.OrderTx, reason string) (int, error) {
	held, err := otx.LockHeldLicenses(ctx)
	if err != nil {
		return 0, err
	}
	for i := range held {
		if err := a.release(ctx, otx.DB(), otx.Order().ID, &held[i], reason, otx.Now); err != nil {
			return i, err
		}
	}
	return len(held), nil
}

// ReturnHeld marks the order's held licenses RETURNED. They stay out of the
// pool until an admin restocks them.
func (a *Allocator) ReturnHeld(ctx context.Context, otx *ledger.OrderTx) ([]uuid.UUID, error) {
	held, err := otx.LockHeldLicenses(ctx)
	if err != nil {
		return nil, err
	}
	now := otx.Now()
	ids := make([]uuid.UUID, 0, len(held))
	for _, license := range held {
		if err := otx.DB().WithContext(ctx).Model(&models.License{}).
			Where("id = ?", license.ID).
			Updates(map[string]any{"status": enums.LicenseStatusReturned, "updated_at": now}).Error; err != nil {
			return nil, fmt.Errorf("return license %s: %w", license.ID, err)
		}
		ids = append(ids, license.ID)
	}
	return ids, nil
}

func (a *Allocator) release(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, license *models.License, reason string, now func() time.Time) error {
	if license.Status == enums.LicenseStatusAvailable {
		return nil
	}
	if !license.Status.IsHeld() {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "license %s is %s and cannot be released", license.ID, license.Status)
	}
	if license.OrderID == nil || *license.OrderID != orderID {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "license %s is not held by order %s", license.ID, orderID)
	}

	if err := tx.WithContext(ctx).Model(&models.License{}).
		Where("id = ?", license.ID).
		Updates(map[string]any{
			"status":      enums.LicenseStatusAvailable,
			"order_id":    nil,
			"reserved_at": nil,
			"sold_at":     nil,
			"updated_at":  now(),
		}).Error; err != nil {
		return fmt.Errorf("release license %s: %w", license.ID, err)
	}

	license.Status = enums.LicenseStatusAvailable
	license.OrderID = nil
	license.ReservedAt = nil
	license.SoldAt = nil

	a.metrics.IncRelease(reason)
	logCtx := a.logg.WithFields(ctx, map[string]any{
		"order_id":   orderID.String(),
		"license_id": license.ID.String(),
		"reason":     reason,
	})
	a.logg.Info(logCtx, "license released")
	return nil
}

package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/keystock-backend/internal/ledger"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
)

type ImportResult struct {
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
}

// Import loads new AVAILABLE keys for productRef. Keys already on file are
// counted as duplicates and left untouched.
func (a *Allocator) Import(ctx context.Context, productRef string, keys []string) (ImportResult, error) {
	productRef = strings.TrimSpace(productRef)
	if productRef == "" {
		return ImportResult{}, pkgerrors.New(pkgerrors.CodeValidation, "product_ref is required")
	}

	var result ImportResult
	err := a.store.WithTx(ctx, ledger.ClassAllocation, func(tx *gorm.DB) error {
		result = ImportResult{}
		seen := make(map[string]struct{}, len(keys))
		for _, raw := range keys {
			key := strings.TrimSpace(raw)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				result.Duplicates++
				continue
			}
			seen[key] = struct{}{}

			license := models.License{
				ProductRef: productRef,
				SecretKey:  key,
				Status:     enums.LicenseStatusAvailable,
			}
			res := tx.WithContext(ctx).
				Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "secret_key"}}, DoNothing: true}).
				Create(&license)
			if res.Error != nil {
				return fmt.Errorf("import license: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				result.Duplicates++
				continue
			}
			result.Created++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}

	logCtx := a.logg.WithFields(ctx, map[string]any{
		"product_ref": productRef,
		"created":     result.Created,
		"duplicates":  result.Duplicates,
	})
	a.logg.Info(logCtx, "licenses imported")
	return result, nil
}

// Return marks a SOLD license RETURNED after a customer return.
func (a *Allocator) Return(ctx context.Context, licenseID uuid.UUID) (*models.License, error) {
	return a.adminTransition(ctx, licenseID, enums.LicenseStatusReturned, func(l *models.License) bool {
		return l.Status == enums.LicenseStatusSold
	}, nil)
}

// Annul withdraws a license from sale permanently unless restocked.
// RESERVED licenses must be released through their order first.
func (a *Allocator) Annul(ctx context.Context, licenseID uuid.UUID) (*models.License, error) {
	return a.adminTransition(ctx, licenseID, enums.LicenseStatusAnnulled, func(l *models.License) bool {
		return l.Status == enums.LicenseStatusAvailable ||
			l.Status == enums.LicenseStatusSold ||
			l.Status == enums.LicenseStatusReturned
	}, nil)
}

// Restock puts a RETURNED or ANNULLED license back on sale.
func (a *Allocator) Restock(ctx context.Context, licenseID uuid.UUID) (*models.License, error) {
	return a.adminTransition(ctx, licenseID, enums.LicenseStatusAvailable, func(l *models.License) bool {
		return l.Status.IsRestockable()
	}, map[string]any{"order_id": nil, "reserved_at": nil, "sold_at": nil})
}

func (a *Allocator) adminTransition(
	ctx context.Context,
	licenseID uuid.UUID,
	next enums.LicenseStatus,
	allowed func(*models.License) bool,
	extra map[string]any,
) (*models.License, error) {
	var out models.License
	err := a.store.WithLockedLicense(ctx, ledger.ClassAllocation, licenseID, func(tx *gorm.DB, license *models.License) error {
		if !allowed(license) {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "license %s cannot move from %s to %s", license.ID, license.Status, next)
		}
		updates := map[string]any{"status": next, "updated_at": a.store.Now()}
		for k, v := range extra {
			updates[k] = v
		}
		if err := tx.WithContext(ctx).Model(&models.License{}).Where("id = ?", license.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update license %s: %w", license.ID, err)
		}
		return tx.WithContext(ctx).Where("id = ?", license.ID).Take(&out).Error
	})
	if err != nil {
		return nil, err
	}

	logCtx := a.logg.WithFields(ctx, map[string]any{
		"license_id": licenseID.String(),
		"status":     next.String(),
	})
	a.logg.Info(logCtx, "license status changed by admin")
	return &out, nil
}

// Stock counts licenses for productRef by status.
func (a *Allocator) Stock(ctx context.Context, productRef string) (map[enums.LicenseStatus]int64, error) {
	type row struct {
		Status enums.LicenseStatus
		Count  int64
	}
	var rows []row
	err := a.store.WithTx(ctx, ledger.ClassReporting, func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Model(&models.License{}).
			Select("status, COUNT(*) AS count").
			Where("product_ref = ?", productRef).
			Group("status").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := map[enums.LicenseStatus]int64{
		enums.LicenseStatusAvailable: 0,
		enums.LicenseStatusReserved:  0,
		enums.LicenseStatusSold:      0,
		enums.LicenseStatusReturned:  0,
		enums.LicenseStatusAnnulled:  0,
	}
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/keystock-backend/api/responses"
	"github.com/angelmondragon/keystock-backend/api/validators"
	"github.com/angelmondragon/keystock-backend/internal/inventory"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
)

type licenseAdmin interface {
	Import(ctx context.Context, productRef string, keys []string) (inventory.ImportResult, error)
	Return(ctx context.Context, licenseID uuid.UUID) (*models.License, error)
	Restock(ctx context.Context, licenseID uuid.UUID) (*models.License, error)
	Annul(ctx context.Context, licenseID uuid.UUID) (*models.License, error)
	Stock(ctx context.Context, productRef string) (map[enums.LicenseStatus]int64, error)
}

type importRequest struct {
	ProductRef string   `json:"productRef" validate:"required,max=128"`
	Keys       []string `json:"keys" validate:"required,min=1,max=1000,dive,required,max=512"`
}

// licenseView never exposes the secret key.
type licenseView struct {
	ID         uuid.UUID  `json:"id"`
	ProductRef string     `json:"productRef"`
	Status     string     `json:"status"`
	OrderID    *uuid.UUID `json:"orderId,omitempty"`
}

type stockView struct {
	ProductRef string           `json:"productRef"`
	Counts     map[string]int64 `json:"counts"`
}

func ImportLicenses(svc licenseAdmin, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Import(r.Context(), req.ProductRef, req.Keys)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

func ReturnLicense(svc licenseAdmin, logg *logger.Logger) http.HandlerFunc {
	return licenseTransition(svc.Return, logg)
}

func RestockLicense(svc licenseAdmin, logg *logger.Logger) http.HandlerFunc {
	return licenseTransition(svc.Restock, logg)
}

func AnnulLicense(svc licenseAdmin, logg *logger.Logger) http.HandlerFunc {
	return licenseTransition(svc.Annul, logg)
}

func Stock(svc licenseAdmin, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productRef := validators.SanitizeString(chi.URLParam(r, "productRef"), 128)
		if productRef == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "productRef is required"))
			return
		}
		counts, err := svc.Stock(r.Context(), productRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view := stockView{ProductRef: productRef, Counts: make(map[string]int64, len(counts))}
		for status, n := range counts {
			view.Counts[string(status)] = n
		}
		responses.WriteSuccess(w, view)
	}
}

func licenseTransition(fn func(context.Context, uuid.UUID) (*models.License, error), logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(chi.URLParam(r, "licenseId"))
		licenseID, err := uuid.Parse(raw)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid license id").WithDetails(map[string]any{"licenseId": raw}))
			return
		}
		license, err := fn(r.Context(), licenseID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, licenseView{
			ID:         license.ID,
			ProductRef: license.ProductRef,
			Status:     string(license.Status),
			OrderID:    license.OrderID,
		})
	}
}

// Package admin serves operator endpoints for jobs and license stock.
package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/keystock-backend/api/responses"
	"github.com/angelmondragon/keystock-backend/api/validators"
	"github.com/angelmondragon/keystock-backend/internal/compensation"
	"github.com/angelmondragon/keystock-backend/internal/waitlist"
	"github.com/angelmondragon/keystock-backend/internal/webhooks"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
)

type sweeper interface {
	Sweep(ctx context.Context, timeout time.Duration) (compensation.SweepResult, error)
}

type waitlistService interface {
	Drain(ctx context.Context, productRef string) (waitlist.DrainResult, error)
	ProcessReserved(ctx context.Context) (waitlist.ProcessResult, error)
}

type reprocessor interface {
	Reprocess(ctx context.Context, limit int) (webhooks.ReprocessResult, error)
}

// Sweep runs the order timeout compensation now. The timeout can be
// shortened with ?olderThan=10m.
func Sweep(svc sweeper, defaultTimeout time.Duration, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timeout := defaultTimeout
		if raw := strings.TrimSpace(r.URL.Query().Get("olderThan")); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "olderThan must be a positive duration").
					WithDetails(map[string]any{"field": "olderThan"}))
				return
			}
			timeout = parsed
		}
		result, err := svc.Sweep(r.Context(), timeout)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func DrainWaitlist(svc waitlistService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productRef := validators.SanitizeString(chi.URLParam(r, "productRef"), 128)
		if productRef == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "productRef is required"))
			return
		}
		result, err := svc.Drain(r.Context(), productRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func ProcessReserved(svc waitlistService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.ProcessReserved(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func ReprocessWebhooks(svc reprocessor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Reprocess(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

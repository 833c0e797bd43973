// Package webhooks exposes the gateway notification endpoint.
package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/keystock-backend/api/responses"
	internalwebhooks "github.com/angelmondragon/keystock-backend/internal/webhooks"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
)

const (
	defaultMaxBody = 1 << 20
	statusError    = "error"
)

type reconciler interface {
	Reconcile(ctx context.Context, provider string, payload []byte, headers http.Header) (internalwebhooks.Result, error)
}

type response struct {
	Success bool `json:"success"`
	internalwebhooks.Result
}

type failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Receive verifies and reconciles one gateway notification. Anything other
// than a bad signature or an unreadable payload is answered with 200 so the
// gateway stops retrying; internal failures go to the reprocessing queue.
func Receive(svc reconciler, maxBody int64, logg *logger.Logger) http.HandlerFunc {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		provider := chi.URLParam(r, "provider")

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			logg.Warn(logg.WithField(ctx, "provider", provider), "webhook body unreadable")
			responses.WriteJSON(w, http.StatusBadRequest, failure{Message: "unreadable body"})
			return
		}

		result, err := svc.Reconcile(ctx, provider, payload, r.Header)
		switch {
		case err == nil:
			responses.WriteJSON(w, http.StatusOK, response{Success: true, Result: result})
		case errors.Is(err, internalwebhooks.ErrInvalidSignature),
			errors.Is(err, internalwebhooks.ErrInvalidPayload),
			errors.Is(err, internalwebhooks.ErrProviderNotFound):
			logCtx := logg.WithFields(ctx, map[string]any{"provider": provider, "reason": err.Error()})
			logg.Warn(logCtx, "webhook rejected")
			responses.WriteJSON(w, http.StatusBadRequest, failure{Message: err.Error()})
		default:
			logg.Error(logg.WithField(ctx, "provider", provider), "webhook reconcile failed", err)
			responses.WriteJSON(w, http.StatusOK, response{Result: internalwebhooks.Result{Status: statusError}})
		}
	}
}

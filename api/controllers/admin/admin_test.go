package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/keystock-backend/internal/compensation"
	"github.com/angelmondragon/keystock-backend/internal/inventory"
	"github.com/angelmondragon/keystock-backend/internal/waitlist"
	"github.com/angelmondragon/keystock-backend/internal/webhooks"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keystock-backend/pkg/errors"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
)

type stubJobs struct {
	timeout    time.Duration
	drained    string
	reprocessN int
}

func (s *stubJobs) Sweep(_ context.Context, timeout time.Duration) (compensation.SweepResult, error) {
	s.timeout = timeout
	return compensation.SweepResult{Processed: 2, Canceled: 2}, nil
}

func (s *stubJobs) Drain(_ context.Context, productRef string) (waitlist.DrainResult, error) {
	s.drained = productRef
	return waitlist.DrainResult{Reserved: 1}, nil
}

func (s *stubJobs) ProcessReserved(context.Context) (waitlist.ProcessResult, error) {
	return waitlist.ProcessResult{Completed: 3}, nil
}

func (s *stubJobs) Reprocess(_ context.Context, limit int) (webhooks.ReprocessResult, error) {
	s.reprocessN = limit
	return webhooks.ReprocessResult{Processed: 1}, nil
}

type stubLicenses struct {
	keys    []string
	touched uuid.UUID
	err     error
}

func (s *stubLicenses) Import(_ context.Context, productRef string, keys []string) (inventory.ImportResult, error) {
	s.keys = keys
	return inventory.ImportResult{Created: len(keys)}, nil
}

func (s *stubLicenses) transition(id uuid.UUID, status enums.LicenseStatus) (*models.License, error) {
	s.touched = id
	if s.err != nil {
		return nil, s.err
	}
	return &models.License{ID: id, ProductRef: "prod-a", SecretKey: "SECRET", Status: status}, nil
}

func (s *stubLicenses) Return(_ context.Context, id uuid.UUID) (*models.License, error) {
	return s.transition(id, enums.LicenseStatusReturned)
}

func (s *stubLicenses) Restock(_ context.Context, id uuid.UUID) (*models.License, error) {
	return s.transition(id, enums.LicenseStatusAvailable)
}

func (s *stubLicenses) Annul(_ context.Context, id uuid.UUID) (*models.License, error) {
	return s.transition(id, enums.LicenseStatusAnnulled)
}

func (s *stubLicenses) Stock(context.Context, string) (map[enums.LicenseStatus]int64, error) {
	return map[enums.LicenseStatus]int64{enums.LicenseStatusAvailable: 4, enums.LicenseStatusSold: 1}, nil
}

func newRouter(jobs *stubJobs, licenses *stubLicenses) http.Handler {
	logg := logger.Nop()
	r := chi.NewRouter()
	r.Post("/jobs/sweep", Sweep(jobs, 30*time.Minute, logg))
	r.Post("/jobs/waitlist/{productRef}/drain", DrainWaitlist(jobs, logg))
	r.Post("/jobs/waitlist/process-reserved", ProcessReserved(jobs, logg))
	r.Post("/jobs/webhooks/reprocess", ReprocessWebhooks(jobs, logg))
	r.Post("/licenses/import", ImportLicenses(licenses, logg))
	r.Post("/licenses/{licenseId}/return", ReturnLicense(licenses, logg))
	r.Post("/licenses/{licenseId}/restock", RestockLicense(licenses, logg))
	r.Post("/licenses/{licenseId}/annul", AnnulLicense(licenses, logg))
	r.Get("/licenses/stock/{productRef}", Stock(licenses, logg))
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestSweepUsesDefaultAndOverride(t *testing.T) {
	jobs := &stubJobs{}
	h := newRouter(jobs, &stubLicenses{})

	rec, _ := do(t, h, http.MethodPost, "/jobs/sweep", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30*time.Minute, jobs.timeout)

	rec, _ = do(t, h, http.MethodPost, "/jobs/sweep?olderThan=5m", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5*time.Minute, jobs.timeout)

	rec, _ = do(t, h, http.MethodPost, "/jobs/sweep?olderThan=-1s", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaitlistAndReprocessJobs(t *testing.T) {
	jobs := &stubJobs{}
	h := newRouter(jobs, &stubLicenses{})

	rec, out := do(t, h, http.MethodPost, "/jobs/waitlist/prod-a/drain", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "prod-a", jobs.drained)
	assert.Equal(t, float64(1), out["data"].(map[string]any)["reserved"])

	rec, out = do(t, h, http.MethodPost, "/jobs/waitlist/process-reserved", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), out["data"].(map[string]any)["completed"])

	rec, _ = do(t, h, http.MethodPost, "/jobs/webhooks/reprocess", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, jobs.reprocessN)

	rec, _ = do(t, h, http.MethodPost, "/jobs/webhooks/reprocess?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportLicenses(t *testing.T) {
	licenses := &stubLicenses{}
	h := newRouter(&stubJobs{}, licenses)

	rec, out := do(t, h, http.MethodPost, "/licenses/import", `{"productRef":"prod-a","keys":["K1","K2"]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"K1", "K2"}, licenses.keys)
	assert.Equal(t, float64(2), out["data"].(map[string]any)["created"])

	rec, _ = do(t, h, http.MethodPost, "/licenses/import", `{"productRef":"prod-a","keys":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLicenseTransitionsHideSecretKey(t *testing.T) {
	licenses := &stubLicenses{}
	h := newRouter(&stubJobs{}, licenses)
	id := uuid.New()

	for _, action := range []string{"return", "restock", "annul"} {
		rec, out := do(t, h, http.MethodPost, "/licenses/"+id.String()+"/"+action, "")
		require.Equal(t, http.StatusOK, rec.Code, action)
		data := out["data"].(map[string]any)
		assert.Equal(t, id.String(), data["id"])
		assert.NotContains(t, data, "secretKey")
		assert.NotContains(t, rec.Body.String(), "SECRET")
	}
	assert.Equal(t, id, licenses.touched)
}

func TestLicenseTransitionErrors(t *testing.T) {
	licenses := &stubLicenses{err: pkgerrors.New(pkgerrors.CodeStateConflict, "license cannot move")}
	h := newRouter(&stubJobs{}, licenses)

	rec, _ := do(t, h, http.MethodPost, "/licenses/not-a-uuid/return", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/licenses/"+uuid.NewString()+"/annul", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStock(t *testing.T) {
	h := newRouter(&stubJobs{}, &stubLicenses{})

	rec, out := do(t, h, http.MethodGet, "/licenses/stock/prod-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := out["data"].(map[string]any)
	assert.Equal(t, "prod-a", data["productRef"])
	counts := data["counts"].(map[string]any)
	assert.Equal(t, float64(4), counts["AVAILABLE"])
	assert.Equal(t, float64(1), counts["SOLD"])
}

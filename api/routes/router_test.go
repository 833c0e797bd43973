package routes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/keystock-backend/internal/compensation"
	"github.com/angelmondragon/keystock-backend/internal/inventory"
	"github.com/angelmondragon/keystock-backend/internal/payments"
	"github.com/angelmondragon/keystock-backend/internal/waitlist"
	"github.com/angelmondragon/keystock-backend/internal/webhooks"
	pkgAuth "github.com/angelmondragon/keystock-backend/pkg/auth"
	"github.com/angelmondragon/keystock-backend/pkg/config"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type stubOrders struct{}

func (stubOrders) CreateOrder(_ context.Context, input payments.CreateOrderInput) (*models.Order, error) {
	return &models.Order{ID: uuid.New(), ProductRef: input.ProductRef, Status: enums.OrderStatusPending, Quantity: 1}, nil
}

func (stubOrders) GetOrder(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
	return &models.Order{ID: orderID, Status: enums.OrderStatusPending, Quantity: 1}, nil
}

func (stubOrders) CreatePaymentIntent(context.Context, uuid.UUID, payments.IntentInput) (*payments.Intent, error) {
	return &payments.Intent{TransactionID: uuid.New()}, nil
}

type stubReconciler struct {
	calls int
}

func (s *stubReconciler) Reconcile(context.Context, string, []byte, http.Header) (webhooks.Result, error) {
	s.calls++
	return webhooks.Result{Status: "processed"}, nil
}

func (s *stubReconciler) Reprocess(context.Context, int) (webhooks.ReprocessResult, error) {
	return webhooks.ReprocessResult{}, nil
}

type stubSweeper struct{}

func (stubSweeper) Sweep(context.Context, time.Duration) (compensation.SweepResult, error) {
	return compensation.SweepResult{}, nil
}

type stubWaitlist struct{}

func (stubWaitlist) Drain(context.Context, string) (waitlist.DrainResult, error) {
	return waitlist.DrainResult{}, nil
}

func (stubWaitlist) ProcessReserved(context.Context) (waitlist.ProcessResult, error) {
	return waitlist.ProcessResult{}, nil
}

type stubLicenses struct{}

func (stubLicenses) Import(context.Context, string, []string) (inventory.ImportResult, error) {
	return inventory.ImportResult{}, nil
}

func (stubLicenses) Return(_ context.Context, id uuid.UUID) (*models.License, error) {
	return &models.License{ID: id, Status: enums.LicenseStatusReturned}, nil
}

func (stubLicenses) Restock(_ context.Context, id uuid.UUID) (*models.License, error) {
	return &models.License{ID: id, Status: enums.LicenseStatusAvailable}, nil
}

func (stubLicenses) Annul(_ context.Context, id uuid.UUID) (*models.License, error) {
	return &models.License{ID: id, Status: enums.LicenseStatusAnnulled}, nil
}

func (stubLicenses) Stock(context.Context, string) (map[enums.LicenseStatus]int64, error) {
	return map[enums.LicenseStatus]int64{}, nil
}

type memoryCache struct {
	data     map[string]string
	counters map[string]int64
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: map[string]string{}, counters: map[string]int64{}}
}

func (m *memoryCache) Get(_ context.Context, key string) (string, error) {
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", goredis.Nil
}

func (m *memoryCache) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memoryCache) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memoryCache) IdempotencyKey(scope, id string) string {
	return "idem:" + scope + ":" + id
}

func (m *memoryCache) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.counters[key]++
	return m.counters[key], nil
}

func (m *memoryCache) RateLimitKey(scope string) string {
	return "rl:" + scope
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test", Port: "0"},
		JWT: config.JWTConfig{
			Secret:            "secret",
			Issuer:            "issuer",
			ExpirationMinutes: 60,
		},
		HTTP: config.HTTPConfig{
			CORSOrigins:         []string{"http://localhost:3000"},
			CheckoutWindow:      time.Minute,
			CheckoutIPLimit:     2,
			CheckoutEmailLimit:  10,
			MaxWebhookBodyBytes: 1 << 20,
		},
		Scheduler: config.SchedulerConfig{OrderTimeout: 30 * time.Minute},
	}
}

func testDeps(cache CacheStore) Dependencies {
	return Dependencies{
		DB:         stubPinger{},
		Redis:      stubPinger{},
		Cache:      cache,
		Orders:     stubOrders{},
		Reconciler: &stubReconciler{},
		Sweeper:    stubSweeper{},
		Waitlist:   stubWaitlist{},
		Licenses:   stubLicenses{},
	}
}

func newTestRouter(cfg *config.Config, deps Dependencies) http.Handler {
	logg := logger.New(logger.Options{ServiceName: "test-routing", Level: logger.ParseLevel("debug"), Output: io.Discard})
	return NewRouter(cfg, logg, deps)
}

func buildToken(t *testing.T, cfg *config.Config, role enums.OperatorRole) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(cfg.JWT, time.Now(), pkgAuth.AccessTokenPayload{
		Subject: "operator-1",
		Role:    role,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(testConfig(), testDeps(nil))

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s got %d", path, resp.Code)
		}
	}
}

func TestWebhookRouteReachesReconciler(t *testing.T) {
	deps := testDeps(nil)
	reconciler := &stubReconciler{}
	deps.Reconciler = reconciler
	router := newTestRouter(testConfig(), deps)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if reconciler.calls != 1 {
		t.Fatalf("expected reconciler to be called once got %d", reconciler.calls)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	cfg := testConfig()
	router := newTestRouter(cfg, testDeps(nil))
	path := "/api/admin/v1/licenses/stock/prod-a"

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token got %d", resp.Code)
	}

	viewer := httptest.NewRequest(http.MethodGet, path, nil)
	viewer.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, enums.OperatorRoleViewer))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, viewer)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer got %d", resp.Code)
	}

	admin := httptest.NewRequest(http.MethodGet, path, nil)
	admin.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, enums.OperatorRoleAdmin))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, admin)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin got %d", resp.Code)
	}
}

func TestCreateOrderRequiresIdempotencyKey(t *testing.T) {
	router := newTestRouter(testConfig(), testDeps(newMemoryCache()))
	body := `{"customerRef":"c1","customerEmail":"buyer@example.com","productRef":"prod-a","unitPrice":"19.99","currency":"USD"}`

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "order-1")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", resp.Code, resp.Body.String())
	}
	first := resp.Body.String()

	replay := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	replay.Header.Set("Idempotency-Key", "order-1")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, replay)
	if resp.Code != http.StatusCreated || resp.Body.String() != first {
		t.Fatalf("expected replayed response got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCreateOrderIsRateLimitedPerIP(t *testing.T) {
	router := newTestRouter(testConfig(), testDeps(newMemoryCache()))
	body := `{"customerRef":"c1","customerEmail":"buyer@example.com","productRef":"prod-a","unitPrice":"19.99","currency":"USD"}`

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", fmt.Sprintf("order-%d", i))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		last = resp.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding the ip limit got %d", last)
	}
}

package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/keystock-backend/api/controllers"
	admincontrollers "github.com/angelmondragon/keystock-backend/api/controllers/admin"
	ordercontrollers "github.com/angelmondragon/keystock-backend/api/controllers/orders"
	webhookcontrollers "github.com/angelmondragon/keystock-backend/api/controllers/webhooks"
	"github.com/angelmondragon/keystock-backend/api/middleware"
	"github.com/angelmondragon/keystock-backend/internal/compensation"
	"github.com/angelmondragon/keystock-backend/internal/inventory"
	"github.com/angelmondragon/keystock-backend/internal/payments"
	"github.com/angelmondragon/keystock-backend/internal/waitlist"
	"github.com/angelmondragon/keystock-backend/internal/webhooks"
	"github.com/angelmondragon/keystock-backend/pkg/config"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/keystock-backend/pkg/redis"

	"github.com/google/uuid"
)

// CacheStore is the redis surface shared by idempotency and rate limiting.
type CacheStore interface {
	pkgredis.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	RateLimitKey(scope string) string
}

type OrderService interface {
	CreateOrder(ctx context.Context, input payments.CreateOrderInput) (*models.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	CreatePaymentIntent(ctx context.Context, orderID uuid.UUID, input payments.IntentInput) (*payments.Intent, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, provider string, payload []byte, headers http.Header) (webhooks.Result, error)
	Reprocess(ctx context.Context, limit int) (webhooks.ReprocessResult, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, timeout time.Duration) (compensation.SweepResult, error)
}

type WaitlistService interface {
	Drain(ctx context.Context, productRef string) (waitlist.DrainResult, error)
	ProcessReserved(ctx context.Context) (waitlist.ProcessResult, error)
}

type LicenseAdmin interface {
	Import(ctx context.Context, productRef string, keys []string) (inventory.ImportResult, error)
	Return(ctx context.Context, licenseID uuid.UUID) (*models.License, error)
	Restock(ctx context.Context, licenseID uuid.UUID) (*models.License, error)
	Annul(ctx context.Context, licenseID uuid.UUID) (*models.License, error)
	Stock(ctx context.Context, productRef string) (map[enums.LicenseStatus]int64, error)
}

// Dependencies carries everything the HTTP surface calls into. A nil Cache
// disables idempotency and rate limiting.
type Dependencies struct {
	DB         controllers.Pinger
	Redis      controllers.Pinger
	Cache      CacheStore
	Gatherer   prometheus.Gatherer
	Orders     OrderService
	Reconciler Reconciler
	Sweeper    Sweeper
	Waitlist   WaitlistService
	Licenses   LicenseAdmin
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.HTTP.CORSOrigins),
	)

	checkoutPolicy := middleware.NewRateLimitPolicy(
		"checkout",
		cfg.HTTP.CheckoutWindow,
		cfg.HTTP.CheckoutIPLimit,
		cfg.HTTP.CheckoutEmailLimit,
	)

	ready := map[string]controllers.Pinger{}
	if deps.DB != nil {
		ready["database"] = deps.DB
	}
	if deps.Redis != nil {
		ready["redis"] = deps.Redis
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, ready))
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Post("/webhooks/{provider}", webhookcontrollers.Receive(deps.Reconciler, cfg.HTTP.MaxWebhookBodyBytes, logg))

	// Groups register middleware per endpoint, so the idempotency rules see
	// the full route pattern.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Idempotency(deps.Cache, logg))
		r.With(middleware.RateLimit(checkoutPolicy, deps.Cache, logg)).Post("/api/v1/orders", ordercontrollers.Create(deps.Orders, logg))
		r.Get("/api/v1/orders/{orderId}", ordercontrollers.Detail(deps.Orders, logg))
		r.Post("/api/v1/orders/{orderId}/payment-intents", ordercontrollers.CreatePaymentIntent(deps.Orders, logg))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(enums.OperatorRoleAdmin.String(), logg))
		r.Use(middleware.Idempotency(deps.Cache, logg))

		r.Post("/api/admin/v1/jobs/sweep", admincontrollers.Sweep(deps.Sweeper, cfg.Scheduler.OrderTimeout, logg))
		r.Post("/api/admin/v1/jobs/waitlist/process-reserved", admincontrollers.ProcessReserved(deps.Waitlist, logg))
		r.Post("/api/admin/v1/jobs/waitlist/{productRef}/drain", admincontrollers.DrainWaitlist(deps.Waitlist, logg))
		r.Post("/api/admin/v1/jobs/webhooks/reprocess", admincontrollers.ReprocessWebhooks(deps.Reconciler, logg))

		r.Post("/api/admin/v1/licenses/import", admincontrollers.ImportLicenses(deps.Licenses, logg))
		r.Get("/api/admin/v1/licenses/stock/{productRef}", admincontrollers.Stock(deps.Licenses, logg))
		r.Post("/api/admin/v1/licenses/{licenseId}/return", admincontrollers.ReturnLicense(deps.Licenses, logg))
		r.Post("/api/admin/v1/licenses/{licenseId}/restock", admincontrollers.RestockLicense(deps.Licenses, logg))
		r.Post("/api/admin/v1/licenses/{licenseId}/annul", admincontrollers.AnnulLicense(deps.Licenses, logg))
	})

	return r
}

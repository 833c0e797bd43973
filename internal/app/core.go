// Package app assembles the sales core shared by the api, cron-worker and
// outbox-publisher binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/angelmondragon/keystock-backend/internal/compensation"
	"github.com/angelmondragon/keystock-backend/internal/delivery"
	"github.com/angelmondragon/keystock-backend/internal/idempotency"
	"github.com/angelmondragon/keystock-backend/internal/inventory"
	"github.com/angelmondragon/keystock-backend/internal/ledger"
	"github.com/angelmondragon/keystock-backend/internal/waitlist"
	"github.com/angelmondragon/keystock-backend/internal/webhooks"
	"github.com/angelmondragon/keystock-backend/pkg/config"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/metrics"
	"github.com/angelmondragon/keystock-backend/pkg/outbox"
)

type CoreParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *gorm.DB
	Notifier   delivery.Notifier
	Registerer prometheus.Registerer
}

// Core holds one instance of every sales service, wired to the same store.
type Core struct {
	Store      *ledger.Store
	Guard      *idempotency.Guard
	Allocator  *inventory.Allocator
	Outbox     *outbox.Service
	OutboxRepo *outbox.Repository
	Waitlist   *waitlist.Service
	Sweeper    *compensation.Sweeper
	Reconciler *webhooks.Reconciler
	Metrics    *metrics.SalesMetrics
}

func NewCore(params CoreParams) (*Core, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config required")
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.DB == nil:
		return nil, errors.New("db required")
	case params.Notifier == nil:
		return nil, errors.New("notifier required")
	}
	cfg := params.Config
	logg := params.Logger

	salesMetrics := metrics.NewSalesMetrics(params.Registerer)

	store, err := ledger.NewStore(params.DB)
	if err != nil {
		return nil, fmt.Errorf("ledger store: %w", err)
	}
	guard, err := idempotency.NewGuard(params.DB, idempotency.WithRetryPolicy(cfg.Webhooks.MaxAttempts, cfg.Webhooks.ReprocessBackoff))
	if err != nil {
		return nil, fmt.Errorf("idempotency guard: %w", err)
	}
	allocator, err := inventory.NewAllocator(inventory.AllocatorParams{
		Store:   store,
		Logger:  logg,
		Metrics: salesMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("allocator: %w", err)
	}

	outboxRepo := outbox.NewRepository(params.DB)
	outboxSvc := outbox.NewService(outboxRepo, logg)

	waitlistSvc, err := waitlist.NewService(waitlist.ServiceParams{
		Store:         store,
		Allocator:     allocator,
		Outbox:        outboxSvc,
		Notifier:      params.Notifier,
		Logger:        logg,
		Metrics:       salesMetrics,
		MaxRetries:    cfg.Waitlist.MaxRetries,
		DeliveryDelay: cfg.Waitlist.DeliveryDelay,
		StaleAfter:    cfg.Waitlist.StaleProcessingAfter,
		BatchSize:     cfg.Waitlist.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("waitlist: %w", err)
	}

	sweeper, err := compensation.NewSweeper(compensation.SweeperParams{
		Store:     store,
		Allocator: allocator,
		Outbox:    outboxSvc,
		Logger:    logg,
	})
	if err != nil {
		return nil, fmt.Errorf("sweeper: %w", err)
	}

	adapters, err := WebhookAdapters(context.Background(), cfg, logg)
	if err != nil {
		return nil, err
	}
	reconciler, err := webhooks.NewReconciler(webhooks.ReconcilerParams{
		Store:     store,
		Guard:     guard,
		Registry:  webhooks.NewRegistry(adapters...),
		Allocator: allocator,
		Waitlist:  waitlistSvc,
		Canceler:  sweeper,
		Outbox:    outboxSvc,
		Logger:    logg,
		Metrics:   salesMetrics,
		BatchSize: cfg.Webhooks.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciler: %w", err)
	}

	return &Core{
		Store:      store,
		Guard:      guard,
		Allocator:  allocator,
		Outbox:     outboxSvc,
		OutboxRepo: outboxRepo,
		Waitlist:   waitlistSvc,
		Sweeper:    sweeper,
		Reconciler: reconciler,
		Metrics:    salesMetrics,
	}, nil
}

// WebhookAdapters returns a verifier for every gateway with a webhook secret
// configured. Notifications for the others are rejected as unknown.
func WebhookAdapters(ctx context.Context, cfg *config.Config, logg *logger.Logger) ([]webhooks.Adapter, error) {
	var adapters []webhooks.Adapter
	if cfg.Stripe.WebhookSecret != "" {
		adapter, err := webhooks.NewStripeAdapter(cfg.Stripe.WebhookSecret, cfg.Stripe.SignatureTolerance)
		if err != nil {
			return nil, fmt.Errorf("stripe adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}
	if cfg.Square.WebhookSecret != "" {
		adapter, err := webhooks.NewSquareAdapter(cfg.Square.WebhookSecret, cfg.Square.NotificationURL)
		if err != nil {
			return nil, fmt.Errorf("square adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}
	if cfg.MercadoPago.WebhookSecret != "" {
		adapter, err := webhooks.NewMercadoPagoAdapter(cfg.MercadoPago.WebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("mercadopago adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}
	if len(adapters) == 0 {
		logg.Warn(ctx, "no webhook secrets configured, every notification will be rejected")
	}
	return adapters, nil
}

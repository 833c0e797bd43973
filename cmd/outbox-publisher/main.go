package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/keystock-backend/internal/app"
	"github.com/angelmondragon/keystock-backend/internal/delivery"
	"github.com/angelmondragon/keystock-backend/pkg/config"
	"github.com/angelmondragon/keystock-backend/pkg/db"
	"github.com/angelmondragon/keystock-backend/pkg/db/models"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/migrate"
	"github.com/angelmondragon/keystock-backend/pkg/outbox"
	"github.com/angelmondragon/keystock-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/keystock-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/keystock-backend/pkg/outbox/registry"
	"github.com/angelmondragon/keystock-backend/pkg/pubsub"
	"github.com/angelmondragon/keystock-backend/pkg/redis"
)

const deliveryDedupeTTL = 7 * 24 * time.Hour

func main() {
	logg := logger.New(logger.Options{ServiceName: "outbox-publisher"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "outbox-publisher"

	logg = logger.New(logger.Options{
		ServiceName: "outbox-publisher",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	notifier, err := delivery.NewPubSubNotifier(pubsubClient, cfg.PubSub.DeliveryTopic)
	if err != nil {
		logg.Error(context.Background(), "failed to create delivery notifier", err)
		os.Exit(1)
	}
	core, err := app.NewCore(app.CoreParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient.DB(),
		Notifier:   notifier,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build sales core", err)
		os.Exit(1)
	}
	tracker, err := idempotency.NewManager(redisClient, deliveryDedupeTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create delivery tracker", err)
		os.Exit(1)
	}
	completer, err := delivery.NewCompleter(delivery.CompleterParams{
		Store:    core.Store,
		Notifier: notifier,
		Outbox:   core.Outbox,
		Tracker:  tracker,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create delivery completer", err)
		os.Exit(1)
	}

	repo := core.OutboxRepo
	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		logg.Error(context.Background(), "failed to build event registry", err)
		os.Exit(1)
	}
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		PubSub:        pubsubClient,
		Repository:    repo,
		Registry:      eventRegistry,
		DLQRepository: outbox.NewDLQRepository(dbClient.DB()),
		Handlers: map[enums.OutboxEventType]EventHandler{
			enums.EventLicenseDeliveryRequested: deliveryHandler(completer),
		},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox publisher", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "outbox-publisher",
	})
	logg.Info(ctx, "starting outbox publisher")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox publisher shutting down gracefully")
}

type deliveryCompleter interface {
	Handle(ctx context.Context, eventID uuid.UUID, evt *payloads.LicenseDeliveryRequested) error
}

// deliveryHandler completes delivery requests in process; the completer
// publishes the key to the mailer topic itself.
func deliveryHandler(completer deliveryCompleter) EventHandler {
	return func(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
		evt, ok := resolved.Payload.(*payloads.LicenseDeliveryRequested)
		if !ok {
			return registry.NewNonRetryableError(fmt.Errorf("unexpected payload %T for %s", resolved.Payload, event.EventType))
		}
		return completer.Handle(ctx, event.ID, evt)
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/keystock-backend/internal/app"
	"github.com/angelmondragon/keystock-backend/internal/cron"
	"github.com/angelmondragon/keystock-backend/internal/delivery"
	"github.com/angelmondragon/keystock-backend/pkg/config"
	"github.com/angelmondragon/keystock-backend/pkg/db"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/metrics"
	"github.com/angelmondragon/keystock-backend/pkg/migrate"
	"github.com/angelmondragon/keystock-backend/pkg/pubsub"
	"github.com/angelmondragon/keystock-backend/pkg/redis"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	registry, err := buildRegistry(cfg, logg, dbClient, core)
	if err != nil {
		logg.Error(context.Background(), "failed to register jobs", err)
		os.Exit(1)
	}

	locker, err := cron.NewRedisLocker(redisClient, cfg.Scheduler.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron locker", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Locker:   locker,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"jobs":        len(registry.Entries()),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Start(ctx); err != nil {
		logg.Error(ctx, "cron worker failed to start", err)
		os.Exit(1)
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := service.Stop(shutdownCtx); err != nil {
		logg.Error(shutdownCtx, "cron worker did not stop cleanly", err)
		os.Exit(1)
	}

	logg.Info(shutdownCtx, "cron worker shutting down gracefully")
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, core *app.Core) (*cron.Registry, error) {
	orderTimeout, err := cron.NewOrderTimeoutJob(core.Sweeper, cfg.Scheduler.OrderTimeout)
	if err != nil {
		return nil, err
	}
	drain, err := cron.NewWaitlistDrainJob(core.Waitlist)
	if err != nil {
		return nil, err
	}
	deliver, err := cron.NewWaitlistDeliveryJob(core.Waitlist)
	if err != nil {
		return nil, err
	}
	reprocess, err := cron.NewWebhookReprocessJob(core.Reconciler, cfg.Webhooks.BatchSize)
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: core.OutboxRepo,
		Retention:  cfg.Outbox.Retention,
	})
	if err != nil {
		return nil, err
	}

	return cron.NewRegistry(
		cron.Entry{Job: orderTimeout, Interval: cfg.Scheduler.SweepInterval},
		cron.Entry{Job: drain, Interval: cfg.Scheduler.DrainInterval},
		cron.Entry{Job: deliver, Interval: cfg.Scheduler.DeliveryInterval},
		cron.Entry{Job: reprocess, Interval: cfg.Scheduler.ReprocessInterval},
		cron.Entry{Job: retention, Interval: cfg.Scheduler.RetentionInterval},
	), nil
}

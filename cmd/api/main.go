package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/keystock-backend/api/routes"
	"github.com/angelmondragon/keystock-backend/internal/app"
	"github.com/angelmondragon/keystock-backend/internal/delivery"
	"github.com/angelmondragon/keystock-backend/internal/payments"
	"github.com/angelmondragon/keystock-backend/pkg/config"
	"github.com/angelmondragon/keystock-backend/pkg/db"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	"github.com/angelmondragon/keystock-backend/pkg/instance"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/migrate"
	"github.com/angelmondragon/keystock-backend/pkg/pubsub"
	"github.com/angelmondragon/keystock-backend/pkg/redis"
	"github.com/angelmondragon/keystock-backend/pkg/square"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 20 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	creators, err := intentCreators(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to configure payment gateways", err)
		os.Exit(1)
	}
	paymentService, err := payments.NewService(payments.ServiceParams{
		Store:             core.Store,
		Allocator:         core.Allocator,
		Creators:          creators,
		Logger:            logg,
		ReserveOnCheckout: cfg.FeatureFlags.ReserveOnCheckout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, routes.Dependencies{
			DB:         dbClient,
			Redis:      redisClient,
			Cache:      redisClient,
			Gatherer:   prometheus.DefaultGatherer,
			Orders:     paymentService,
			Reconciler: core.Reconciler,
			Sweeper:    core.Sweeper,
			Waitlist:   core.Waitlist,
			Licenses:   core.Allocator,
		}),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(shutdownCtx, "api server did not shut down cleanly", err)
		os.Exit(1)
	}
	logg.Info(shutdownCtx, "api server shutting down gracefully")
}

// intentCreators enables every gateway that has its checkout side
// configured.
func intentCreators(ctx context.Context, cfg *config.Config, logg *logger.Logger) ([]payments.IntentCreator, error) {
	var creators []payments.IntentCreator
	if cfg.Stripe.CheckoutURL != "" {
		hosted, err := payments.NewHostedCheckout(enums.GatewayStripe, cfg.Stripe.CheckoutURL)
		if err != nil {
			return nil, err
		}
		creators = append(creators, hosted)
	}
	if cfg.MercadoPago.CheckoutURL != "" {
		hosted, err := payments.NewHostedCheckout(enums.GatewayMercadoPago, cfg.MercadoPago.CheckoutURL)
		if err != nil {
			return nil, err
		}
		creators = append(creators, hosted)
	}
	if cfg.Square.Enabled() {
		client, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, err
		}
		intents, err := payments.NewSquareIntents(client)
		if err != nil {
			return nil, err
		}
		creators = append(creators, intents)
	}
	if len(creators) == 0 {
		logg.Warn(ctx, "no payment gateway configured, payment intents will be rejected")
	}
	return creators, nil
}

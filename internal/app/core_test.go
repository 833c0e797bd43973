package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/keystock-backend/internal/delivery"
	"github.com/angelmondragon/keystock-backend/pkg/config"
	"github.com/angelmondragon/keystock-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
	"github.com/angelmondragon/keystock-backend/pkg/logger"
)

type nopNotifier struct{}

func (nopNotifier) Deliver(context.Context, delivery.Request) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Stripe:   config.StripeConfig{WebhookSecret: "whsec_test", SignatureTolerance: 5 * time.Minute},
		Webhooks: config.WebhooksConfig{MaxAttempts: 3, ReprocessBackoff: time.Second, BatchSize: 10},
		Waitlist: config.WaitlistConfig{MaxRetries: 2, BatchSize: 5},
	}
}

func TestNewCoreWiresEveryService(t *testing.T) {
	core, err := NewCore(CoreParams{
		Config:     testConfig(),
		Logger:     logger.Nop(),
		DB:         dbtest.Open(t),
		Notifier:   nopNotifier{},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	assert.NotNil(t, core.Store)
	assert.NotNil(t, core.Guard)
	assert.NotNil(t, core.Allocator)
	assert.NotNil(t, core.Outbox)
	assert.NotNil(t, core.OutboxRepo)
	assert.NotNil(t, core.Waitlist)
	assert.NotNil(t, core.Sweeper)
	assert.NotNil(t, core.Reconciler)
}

func TestNewCoreRequiresNotifier(t *testing.T) {
	_, err := NewCore(CoreParams{Config: testConfig(), Logger: logger.Nop(), DB: dbtest.Open(t)})
	assert.Error(t, err)
}

func TestWebhookAdaptersFollowConfiguredSecrets(t *testing.T) {
	cfg := testConfig()
	cfg.MercadoPago.WebhookSecret = "mp-secret"

	adapters, err := WebhookAdapters(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	var providers []enums.Gateway
	for _, a := range adapters {
		providers = append(providers, a.Provider())
	}
	assert.ElementsMatch(t, []enums.Gateway{enums.GatewayStripe, enums.GatewayMercadoPago}, providers)

	cfg.Square.WebhookSecret = "sq-secret"
	_, err = WebhookAdapters(context.Background(), cfg, logger.Nop())
	assert.Error(t, err, "square needs its notification url")
}

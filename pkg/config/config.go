package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	HTTP         HTTPConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Square       SquareConfig
	Stripe       StripeConfig
	MercadoPago  MercadoPagoConfig
	Scheduler    SchedulerConfig
	Waitlist     WaitlistConfig
	Webhooks     WebhooksConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"KEYSTOCK_APP_ENV" required:"true"`
	Port         string `envconfig:"KEYSTOCK_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"KEYSTOCK_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"KEYSTOCK_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"KEYSTOCK_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"KEYSTOCK_DB_DSN"`
	Driver string `envconfig:"KEYSTOCK_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"KEYSTOCK_DB_HOST"`
	LegacyPort     int    `envconfig:"KEYSTOCK_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"KEYSTOCK_DB_USER"`
	LegacyPassword string `envconfig:"KEYSTOCK_DB_PASSWORD"`
	LegacyName     string `envconfig:"KEYSTOCK_DB_NAME"`
	LegacySSLMode  string `envconfig:"KEYSTOCK_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"KEYSTOCK_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"KEYSTOCK_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"KEYSTOCK_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"KEYSTOCK_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"KEYSTOCK_REDIS_URL" required:"true"`
	Address      string        `envconfig:"KEYSTOCK_REDIS_ADDR"`
	Password     string        `envconfig:"KEYSTOCK_REDIS_PASSWORD"`
	DB           int           `envconfig:"KEYSTOCK_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"KEYSTOCK_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"KEYSTOCK_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"KEYSTOCK_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"KEYSTOCK_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"KEYSTOCK_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type HTTPConfig struct {
	CORSOrigins         []string      `envconfig:"KEYSTOCK_CORS_ORIGINS" default:"http://localhost:3000"`
	CheckoutWindow      time.Duration `envconfig:"KEYSTOCK_CHECKOUT_RATE_WINDOW" default:"1m"`
	CheckoutIPLimit     int           `envconfig:"KEYSTOCK_CHECKOUT_RATE_IP_LIMIT" default:"30"`
	CheckoutEmailLimit  int           `envconfig:"KEYSTOCK_CHECKOUT_RATE_EMAIL_LIMIT" default:"10"`
	MaxWebhookBodyBytes int64         `envconfig:"KEYSTOCK_MAX_WEBHOOK_BODY_BYTES" default:"1048576"`
}

// JWTConfig covers the admin bearer tokens; there is no end-user login here.
type JWTConfig struct {
	Secret            string `envconfig:"KEYSTOCK_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"KEYSTOCK_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"KEYSTOCK_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	AutoMigrate       bool `envconfig:"KEYSTOCK_AUTO_MIGRATE" default:"false"`
	ReserveOnCheckout bool `envconfig:"KEYSTOCK_RESERVE_ON_CHECKOUT" default:"true"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"KEYSTOCK_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"KEYSTOCK_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"KEYSTOCK_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	DeliveryTopic string `envconfig:"KEYSTOCK_PUBSUB_DELIVERY_TOPIC" required:"true"`
	DomainTopic   string `envconfig:"KEYSTOCK_PUBSUB_DOMAIN_TOPIC" required:"true"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"KEYSTOCK_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"KEYSTOCK_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"KEYSTOCK_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"KEYSTOCK_OUTBOX_RETENTION" default:"720h"`
}

type SquareConfig struct {
	AccessToken     string `envconfig:"KEYSTOCK_SQUARE_ACCESS_TOKEN"`
	WebhookSecret   string `envconfig:"KEYSTOCK_SQUARE_WEBHOOK_SECRET"`
	NotificationURL string `envconfig:"KEYSTOCK_SQUARE_NOTIFICATION_URL"`
	LocationID      string `envconfig:"KEYSTOCK_SQUARE_LOCATION_ID"`
	Env             string `envconfig:"KEYSTOCK_SQUARE_ENV" default:"sandbox"`
}

// Enabled reports whether enough is configured to create Square payments.
func (s SquareConfig) Enabled() bool {
	return strings.TrimSpace(s.AccessToken) != ""
}

type StripeConfig struct {
	WebhookSecret      string        `envconfig:"KEYSTOCK_STRIPE_WEBHOOK_SECRET"`
	CheckoutURL        string        `envconfig:"KEYSTOCK_STRIPE_CHECKOUT_URL"`
	SignatureTolerance time.Duration `envconfig:"KEYSTOCK_STRIPE_SIGNATURE_TOLERANCE" default:"5m"`
}

type MercadoPagoConfig struct {
	WebhookSecret string `envconfig:"KEYSTOCK_MERCADOPAGO_WEBHOOK_SECRET"`
	CheckoutURL   string `envconfig:"KEYSTOCK_MERCADOPAGO_CHECKOUT_URL"`
}

type SchedulerConfig struct {
	OrderTimeout      time.Duration `envconfig:"KEYSTOCK_ORDER_TIMEOUT" default:"30m"`
	SweepInterval     time.Duration `envconfig:"KEYSTOCK_SWEEP_INTERVAL" default:"5m"`
	DrainInterval     time.Duration `envconfig:"KEYSTOCK_WAITLIST_DRAIN_INTERVAL" default:"1m"`
	DeliveryInterval  time.Duration `envconfig:"KEYSTOCK_WAITLIST_DELIVERY_INTERVAL" default:"2m"`
	ReprocessInterval time.Duration `envconfig:"KEYSTOCK_WEBHOOK_REPROCESS_INTERVAL" default:"1m"`
	RetentionInterval time.Duration `envconfig:"KEYSTOCK_RETENTION_INTERVAL" default:"24h"`
	LockTTL           time.Duration `envconfig:"KEYSTOCK_SCHEDULER_LOCK_TTL" default:"5m"`
}

type WaitlistConfig struct {
	DeliveryDelay        time.Duration `envconfig:"KEYSTOCK_WAITLIST_DELIVERY_DELAY" default:"2s"`
	MaxRetries           int           `envconfig:"KEYSTOCK_WAITLIST_MAX_RETRIES" default:"5"`
	StaleProcessingAfter time.Duration `envconfig:"KEYSTOCK_WAITLIST_STALE_PROCESSING_AFTER" default:"10m"`
	BatchSize            int           `envconfig:"KEYSTOCK_WAITLIST_BATCH_SIZE" default:"25"`
}

type WebhooksConfig struct {
	MaxAttempts      int           `envconfig:"KEYSTOCK_WEBHOOK_MAX_ATTEMPTS" default:"8"`
	ReprocessBackoff time.Duration `envconfig:"KEYSTOCK_WEBHOOK_REPROCESS_BACKOFF" default:"30s"`
	BatchSize        int           `envconfig:"KEYSTOCK_WEBHOOK_REPROCESS_BATCH_SIZE" default:"50"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}

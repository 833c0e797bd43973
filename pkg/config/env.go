package config

const (
	EnvPrefix = "KEYSTOCK"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv     = "KEYSTOCK_APP_ENV"
	EnvPort       = "KEYSTOCK_APP_PORT"
	EnvDBDSN      = "KEYSTOCK_DB_DSN"
	EnvDBHost     = "KEYSTOCK_DB_HOST"
	EnvDBUser     = "KEYSTOCK_DB_USER"
	EnvDBPassword = "KEYSTOCK_DB_PASSWORD"
	EnvDBName     = "KEYSTOCK_DB_NAME"
	EnvRedisURL   = "KEYSTOCK_REDIS_URL"
	EnvJWTSecret  = "KEYSTOCK_JWT_SECRET"
	EnvJWTIssuer  = "KEYSTOCK_JWT_ISSUER"
	EnvGCPProject = "KEYSTOCK_GCP_PROJECT_ID"

	EnvPubSubDeliveryTopic = "KEYSTOCK_PUBSUB_DELIVERY_TOPIC"
	EnvPubSubDomainTopic   = "KEYSTOCK_PUBSUB_DOMAIN_TOPIC"
	EnvOrderTimeout        = "KEYSTOCK_ORDER_TIMEOUT"
	EnvWaitlistMaxRetries  = "KEYSTOCK_WAITLIST_MAX_RETRIES"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

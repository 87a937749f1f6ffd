package config

const EnvPrefix = "STARSFUND"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	ArchiveStoreGCS   = "gcs"
	ArchiveStoreLocal = "local"
)

const (
	EnvAppEnv   = "STARSFUND_APP_ENV"
	EnvPort     = "STARSFUND_APP_PORT"
	EnvLogLevel = "STARSFUND_LOG_LEVEL"

	EnvDBDSN    = "STARSFUND_DB_DSN"
	EnvDBDriver = "STARSFUND_DB_DRIVER"
	EnvDBHost   = "STARSFUND_DB_HOST"
	EnvDBUser   = "STARSFUND_DB_USER"
	EnvDBName   = "STARSFUND_DB_NAME"

	EnvRedisURL = "STARSFUND_REDIS_URL"

	EnvProviderWebhookSecret = "STARSFUND_PROVIDER_WEBHOOK_SECRET"
	EnvOperatorJWTSecret     = "STARSFUND_OPERATOR_JWT_SECRET"

	EnvLedgerStorageRetryAttempts = "STARSFUND_LEDGER_STORAGE_RETRY_ATTEMPTS"
	EnvLedgerPublicGranularity    = "STARSFUND_LEDGER_PUBLIC_GRANULARITY"

	EnvArchiveStore = "STARSFUND_ARCHIVE_STORE"

	EnvGCPProjectID = "STARSFUND_GCP_PROJECT_ID"
	EnvGCSBucket    = "STARSFUND_GCS_BUCKET_NAME"

	EnvPubSubPaymentsSub     = "STARSFUND_PUBSUB_PAYMENTS_SUBSCRIPTION"
	EnvPubSubLedgerTopic     = "STARSFUND_PUBSUB_LEDGER_TOPIC"
	EnvPubSubTransparencySub = "STARSFUND_PUBSUB_TRANSPARENCY_SUBSCRIPTION"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

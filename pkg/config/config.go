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
	HTTP         HTTPConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Provider     ProviderConfig
	Operator     OperatorConfig
	Ledger       LedgerConfig
	Projection   ProjectionConfig
	Archive      ArchiveConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	GCS          GCSConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Outbox       OutboxConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Ledger.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STARSFUND_APP_ENV" required:"true"`
	Port         string `envconfig:"STARSFUND_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"STARSFUND_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STARSFUND_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// HTTPConfig shapes the public read surface.
type HTTPConfig struct {
	CORSAllowedOrigins []string      `envconfig:"STARSFUND_CORS_ALLOWED_ORIGINS" default:"*"`
	PublicRateLimit    int           `envconfig:"STARSFUND_PUBLIC_RATE_LIMIT" default:"120"`
	PublicRateWindow   time.Duration `envconfig:"STARSFUND_PUBLIC_RATE_WINDOW" default:"1m"`
}

type ServiceConfig struct {
	Kind string `envconfig:"STARSFUND_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"STARSFUND_DB_DSN"`
	Driver string `envconfig:"STARSFUND_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STARSFUND_DB_HOST"`
	LegacyPort     int    `envconfig:"STARSFUND_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STARSFUND_DB_USER"`
	LegacyPassword string `envconfig:"STARSFUND_DB_PASSWORD"`
	LegacyName     string `envconfig:"STARSFUND_DB_NAME"`
	LegacySSLMode  string `envconfig:"STARSFUND_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STARSFUND_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STARSFUND_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STARSFUND_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STARSFUND_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the configured driver is the embedded SQLite one.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"STARSFUND_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STARSFUND_REDIS_ADDR"`
	Password     string        `envconfig:"STARSFUND_REDIS_PASSWORD"`
	DB           int           `envconfig:"STARSFUND_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STARSFUND_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STARSFUND_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STARSFUND_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STARSFUND_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STARSFUND_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// ProviderConfig describes the stars payment provider that emits confirmations.
type ProviderConfig struct {
	Currency      string `envconfig:"STARSFUND_PROVIDER_CURRENCY" default:"XTR"`
	WebhookSecret string `envconfig:"STARSFUND_PROVIDER_WEBHOOK_SECRET" required:"true"`
}

// OperatorConfig verifies bearer tokens presented to the admin surface.
type OperatorConfig struct {
	JWTSecret string `envconfig:"STARSFUND_OPERATOR_JWT_SECRET" required:"true"`
	JWTIssuer string `envconfig:"STARSFUND_OPERATOR_JWT_ISSUER" default:"starsfund"`
}

type LedgerConfig struct {
	StorageRetryAttempts int           `envconfig:"STARSFUND_LEDGER_STORAGE_RETRY_ATTEMPTS" default:"4"`
	StorageRetryBase     time.Duration `envconfig:"STARSFUND_LEDGER_STORAGE_RETRY_BASE" default:"50ms"`
	StorageRetryMax      time.Duration `envconfig:"STARSFUND_LEDGER_STORAGE_RETRY_MAX" default:"2s"`
	HistoryBatchSize     int           `envconfig:"STARSFUND_LEDGER_HISTORY_BATCH_SIZE" default:"200"`
	PublicGranularity    string        `envconfig:"STARSFUND_LEDGER_PUBLIC_GRANULARITY" default:"day"`
	AuditRepair          bool          `envconfig:"STARSFUND_LEDGER_AUDIT_REPAIR" default:"false"`
}

func (l LedgerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(l.PublicGranularity)) {
	case "", "hour", "day", "week":
	default:
		return fmt.Errorf("%s must be one of hour, day, week", EnvLedgerPublicGranularity)
	}
	if l.StorageRetryAttempts < 0 {
		return fmt.Errorf("%s must be non-negative", EnvLedgerStorageRetryAttempts)
	}
	return nil
}

type ProjectionConfig struct {
	CacheEnabled bool          `envconfig:"STARSFUND_PROJECTION_CACHE_ENABLED" default:"true"`
	CacheTTL     time.Duration `envconfig:"STARSFUND_PROJECTION_CACHE_TTL" default:"10m"`
}

type ArchiveConfig struct {
	Store          string `envconfig:"STARSFUND_ARCHIVE_STORE" default:"gcs"`
	LocalDir       string `envconfig:"STARSFUND_ARCHIVE_LOCAL_DIR" default:"./var/proofs"`
	ManifestPrefix string `envconfig:"STARSFUND_ARCHIVE_MANIFEST_PREFIX" default:"manifests"`
	RetryBatchSize int    `envconfig:"STARSFUND_ARCHIVE_RETRY_BATCH_SIZE" default:"20"`
}

// UsesLocalStore reports whether proofs are kept on the local filesystem.
func (a ArchiveConfig) UsesLocalStore() bool {
	return strings.EqualFold(strings.TrimSpace(a.Store), ArchiveStoreLocal)
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"STARSFUND_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"STARSFUND_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"STARSFUND_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"STARSFUND_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"STARSFUND_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName string `envconfig:"STARSFUND_GCS_BUCKET_NAME"`
}

type PubSubConfig struct {
	PaymentsSubscription     string `envconfig:"STARSFUND_PUBSUB_PAYMENTS_SUBSCRIPTION"`
	LedgerTopic              string `envconfig:"STARSFUND_PUBSUB_LEDGER_TOPIC" default:"sf-ledger-events"`
	TransparencySubscription string `envconfig:"STARSFUND_PUBSUB_TRANSPARENCY_SUBSCRIPTION"`
}

type BigQueryConfig struct {
	Dataset              string `envconfig:"STARSFUND_BIGQUERY_DATASET" default:"starsfund"`
	PublicDonationsTable string `envconfig:"STARSFUND_BIGQUERY_PUBLIC_DONATIONS_TABLE" default:"public_donations"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"STARSFUND_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"STARSFUND_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"STARSFUND_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"STARSFUND_OUTBOX_RETENTION_DAYS" default:"30"`
}

// CronConfig paces the cron worker. LockTTL bounds how long a crashed
// instance can hold the cycle lock.
type CronConfig struct {
	Interval time.Duration `envconfig:"STARSFUND_CRON_INTERVAL" default:"1h"`
	LockTTL  time.Duration `envconfig:"STARSFUND_CRON_LOCK_TTL" default:"55m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
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

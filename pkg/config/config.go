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
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	EventLog     EventLogConfig
	Outbox       OutboxConfig
	Projection   ProjectionConfig
	Restore      RestoreConfig
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
	if cfg.EventLog.Partitions <= 0 {
		return nil, fmt.Errorf("%s must be positive", EnvEventLogPartitions)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"EVENTPIPE_APP_ENV" required:"true"`
	Port         string `envconfig:"EVENTPIPE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"EVENTPIPE_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"EVENTPIPE_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"EVENTPIPE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"EVENTPIPE_SERVICE_KIND" default:"projector"`
	Name string `envconfig:"EVENTPIPE_SERVICE_NAME" default:"tasks"`
}

type DBConfig struct {
	DSN    string `envconfig:"EVENTPIPE_DB_DSN"`
	Driver string `envconfig:"EVENTPIPE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"EVENTPIPE_DB_HOST"`
	LegacyPort     int    `envconfig:"EVENTPIPE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"EVENTPIPE_DB_USER"`
	LegacyPassword string `envconfig:"EVENTPIPE_DB_PASSWORD"`
	LegacyName     string `envconfig:"EVENTPIPE_DB_NAME"`
	LegacySSLMode  string `envconfig:"EVENTPIPE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"EVENTPIPE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"EVENTPIPE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"EVENTPIPE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"EVENTPIPE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// SlowQuery logs statements slower than this at warn. Zero disables.
	SlowQuery time.Duration `envconfig:"EVENTPIPE_DB_SLOW_QUERY" default:"250ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"EVENTPIPE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"EVENTPIPE_REDIS_ADDR"`
	Password     string        `envconfig:"EVENTPIPE_REDIS_PASSWORD"`
	DB           int           `envconfig:"EVENTPIPE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"EVENTPIPE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"EVENTPIPE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"EVENTPIPE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"EVENTPIPE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"EVENTPIPE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate   bool `envconfig:"EVENTPIPE_AUTO_MIGRATE" default:"false"`
	Notifications bool `envconfig:"EVENTPIPE_FEATURE_NOTIFICATIONS" default:"true"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"EVENTPIPE_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"EVENTPIPE_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"EVENTPIPE_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	NotificationTopic string        `envconfig:"EVENTPIPE_PUBSUB_NOTIFICATION_TOPIC" default:"ep-task-notifications"`
	PublishTimeout    time.Duration `envconfig:"EVENTPIPE_PUBSUB_PUBLISH_TIMEOUT" default:"15s"`
}

type EventLogConfig struct {
	Topic        string        `envconfig:"EVENTPIPE_EVENTLOG_TOPIC" default:"tasks"`
	Partitions   int           `envconfig:"EVENTPIPE_EVENTLOG_PARTITIONS" default:"8"`
	ReadBatch    int           `envconfig:"EVENTPIPE_EVENTLOG_READ_BATCH" default:"100"`
	BlockTimeout time.Duration `envconfig:"EVENTPIPE_EVENTLOG_BLOCK_TIMEOUT" default:"2s"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"EVENTPIPE_OUTBOX_RELAY_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"EVENTPIPE_OUTBOX_RELAY_POLL_MS" default:"500"`
	RetentionDays  int           `envconfig:"EVENTPIPE_OUTBOX_RETENTION_DAYS" default:"7"`
	LockTTL        time.Duration `envconfig:"EVENTPIPE_OUTBOX_RELAY_LOCK_TTL" default:"30s"`
}

// PollInterval returns the relay poll interval configured in milliseconds.
func (o OutboxConfig) PollInterval() time.Duration {
	if o.PollIntervalMS <= 0 {
		return 0
	}
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

type ProjectionConfig struct {
	ConsumerName            string        `envconfig:"EVENTPIPE_PROJECTION_CONSUMER" default:"task-projector"`
	TransactionTTL          time.Duration `envconfig:"EVENTPIPE_PROJECTION_TX_TTL" default:"15m"`
	MaxOpenTransactions     int           `envconfig:"EVENTPIPE_PROJECTION_MAX_OPEN_TX" default:"256"`
	MaxTransactionEvents    int           `envconfig:"EVENTPIPE_PROJECTION_MAX_TX_EVENTS" default:"10000"`
	PartitionLockTTL        time.Duration `envconfig:"EVENTPIPE_PROJECTION_PARTITION_LOCK_TTL" default:"30s"`
	DeadLetterRetentionDays int           `envconfig:"EVENTPIPE_PROJECTION_DEAD_LETTER_RETENTION_DAYS" default:"30"`
	EffectAttempts          int           `envconfig:"EVENTPIPE_PROJECTION_EFFECT_ATTEMPTS" default:"5"`
	EffectBackoff           time.Duration `envconfig:"EVENTPIPE_PROJECTION_EFFECT_BACKOFF" default:"200ms"`
}

type RestoreConfig struct {
	MaxAttempts int `envconfig:"EVENTPIPE_RESTORE_MAX_ATTEMPTS" default:"3"`
	Parallelism int `envconfig:"EVENTPIPE_RESTORE_PARALLELISM" default:"4"`
	ReadBatch   int `envconfig:"EVENTPIPE_RESTORE_READ_BATCH" default:"500"`
}

type CronConfig struct {
	MaintenanceInterval time.Duration `envconfig:"EVENTPIPE_CRON_MAINTENANCE_INTERVAL" default:"24h"`
	SampleInterval      time.Duration `envconfig:"EVENTPIPE_CRON_SAMPLE_INTERVAL" default:"30s"`
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

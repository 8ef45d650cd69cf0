package config

const (
	// EnvPrefix is empty because every field carries its full variable name.
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "EVENTPIPE_APP_ENV"
	EnvPort     = "EVENTPIPE_APP_PORT"
	EnvLogLevel = "EVENTPIPE_LOG_LEVEL"

	EnvDBDSN  = "EVENTPIPE_DB_DSN"
	EnvDBHost = "EVENTPIPE_DB_HOST"
	EnvDBUser = "EVENTPIPE_DB_USER"
	EnvDBName = "EVENTPIPE_DB_NAME"

	EnvRedisURL = "EVENTPIPE_REDIS_URL"

	EnvGCPProjectID            = "EVENTPIPE_GCP_PROJECT_ID"
	EnvPubSubNotificationTopic = "EVENTPIPE_PUBSUB_NOTIFICATION_TOPIC"

	EnvEventLogTopic      = "EVENTPIPE_EVENTLOG_TOPIC"
	EnvEventLogPartitions = "EVENTPIPE_EVENTLOG_PARTITIONS"

	EnvProjectionTxTTL = "EVENTPIPE_PROJECTION_TX_TTL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

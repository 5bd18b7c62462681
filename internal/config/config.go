package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// NodeID seeds the snowflake generator; replicas need distinct values.
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBMigrate         bool

	Webhook   WebhookConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Kafka     KafkaConfig
	Archive   ArchiveConfig
}

// WebhookConfig controls the ingestion endpoint.
type WebhookConfig struct {
	MaxBodyBytes int64
	SourceHeader string
	// RequireSecret rejects a signed request whose source has no configured secret.
	RequireSecret   bool
	StripeTolerance time.Duration
	SecretsFile     string
}

// WorkerConfig controls the queue consumer.
type WorkerConfig struct {
	Enabled           bool
	ID                string
	PollInterval      time.Duration
	BatchSize         int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	VisibilityTimeout time.Duration
	HandlerTimeout    time.Duration
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SourceRate    float64
	SourceBurst   int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// ArchiveConfig controls copying raw payloads to S3-compatible storage.
// Empty credentials fall back to the default AWS credential chain.
type ArchiveConfig struct {
	Enabled         bool
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "railhook"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBMigrate:         getenvBool("DATABASE_MIGRATE", true),
		Webhook: WebhookConfig{
			MaxBodyBytes:    getenvInt64("WEBHOOK_MAX_BODY_BYTES", 1<<20),
			SourceHeader:    getenv("WEBHOOK_SOURCE_HEADER", "X-Webhook-Source"),
			RequireSecret:   getenvBool("WEBHOOK_REQUIRE_SIGNATURE_SECRET", false),
			StripeTolerance: getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 0),
			SecretsFile:     strings.TrimSpace(getenv("WEBHOOK_SECRETS_FILE", "")),
		},
		Worker: WorkerConfig{
			Enabled:           getenvBool("WORKER_ENABLED", true),
			ID:                strings.TrimSpace(getenv("WORKER_ID", "")),
			PollInterval:      getenvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			BatchSize:         getenvInt("WORKER_BATCH_SIZE", 25),
			MaxAttempts:       getenvInt("WORKER_MAX_ATTEMPTS", 8),
			BackoffBase:       getenvDuration("WORKER_BACKOFF_BASE", 30*time.Second),
			BackoffMax:        getenvDuration("WORKER_BACKOFF_MAX", time.Hour),
			VisibilityTimeout: getenvDuration("WORKER_VISIBILITY_TIMEOUT", 5*time.Minute),
			HandlerTimeout:    getenvDuration("WORKER_HANDLER_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			SourceRate:    getenvFloat("RATE_LIMIT_SOURCE_RATE", 50),
			SourceBurst:   getenvInt("RATE_LIMIT_SOURCE_BURST", 100),
		},
		Kafka: KafkaConfig{
			Enabled: getenvBool("KAFKA_ENABLED", false),
			Brokers: parseList(getenv("KAFKA_BROKERS", "")),
			Topic:   strings.TrimSpace(getenv("KAFKA_TOPIC", "railhook.webhook-events")),
		},
		Archive: ArchiveConfig{
			Enabled:         getenvBool("ARCHIVE_ENABLED", false),
			Bucket:          strings.TrimSpace(getenv("ARCHIVE_S3_BUCKET", "")),
			Prefix:          strings.Trim(strings.TrimSpace(getenv("ARCHIVE_S3_PREFIX", "webhooks")), "/"),
			Region:          strings.TrimSpace(getenv("ARCHIVE_S3_REGION", "us-east-1")),
			Endpoint:        strings.TrimSpace(getenv("ARCHIVE_S3_ENDPOINT", "")),
			AccessKeyID:     strings.TrimSpace(getenv("ARCHIVE_S3_ACCESS_KEY_ID", "")),
			SecretAccessKey: strings.TrimSpace(getenv("ARCHIVE_S3_SECRET_ACCESS_KEY", "")),
		},
	}

	return cfg
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewSecretsHolderFromConfig),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

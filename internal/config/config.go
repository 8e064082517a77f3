package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"FollowUp/internal/timeutil"
)

type Config struct {
	// ----------------------------
	// Email provider
	// ----------------------------
	EmailProvider string `envconfig:"EMAIL_PROVIDER" default:"smtp"` // smtp | ses
	EmailFrom     string `envconfig:"EMAIL_FROM" default:"noreply@followup.local"`

	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	// ----------------------------
	// AWS (SES, DynamoDB)
	// ----------------------------
	AWSRegion      string `envconfig:"AWS_REGION" default:"us-east-1"`
	DynamoEndpoint string `envconfig:"DYNAMO_ENDPOINT" default:""`
	DynamoAppTable string `envconfig:"DYNAMO_APPLICATIONS_TABLE" default:""`
	DynamoRecTable string `envconfig:"DYNAMO_FOLLOWUPS_TABLE" default:""`

	// ----------------------------
	// Outbound rate
	// ----------------------------
	RateLimit int `envconfig:"RATE_LIMIT" default:"10"`

	// ----------------------------
	// Scheduler
	// ----------------------------
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"60s"`
	BatchSize          int           `envconfig:"BATCH_SIZE" default:"50"`
	RetryMaxAttempts   int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryBackoffFactor float64       `envconfig:"RETRY_BACKOFF_FACTOR" default:"2"`
	RetryMaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30s"`
	StartupAttempts    int           `envconfig:"STARTUP_ATTEMPTS" default:"3"`
	StartupDelay       time.Duration `envconfig:"STARTUP_DELAY" default:"2s"`
	DegradedThreshold  int           `envconfig:"HEALTH_DEGRADED_THRESHOLD" default:"3"`
	UnhealthyThreshold int           `envconfig:"HEALTH_UNHEALTHY_THRESHOLD" default:"10"`
	SchedulerAutoStart bool          `envconfig:"SCHEDULER_AUTO_START" default:"true"`

	// ----------------------------
	// Follow-up policy defaults
	// ----------------------------
	DefaultTimezone     string `envconfig:"DEFAULT_TIMEZONE" default:"UTC"`
	DefaultIntervalDays int    `envconfig:"DEFAULT_INTERVAL_DAYS" default:"7"`
	DefaultMaxAttempts  int    `envconfig:"DEFAULT_MAX_ATTEMPTS" default:"3"`

	// ----------------------------
	// Store
	// ----------------------------
	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory"` // memory | sqlite | postgres | dynamodb
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"data/followup.db"`

	// ----------------------------
	// Idempotency marker
	// ----------------------------
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:""`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	MarkerClaimTTL time.Duration `envconfig:"MARKER_CLAIM_TTL" default:"10m"`
	MarkerSentTTL  time.Duration `envconfig:"MARKER_SENT_TTL" default:"24h"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort        string   `envconfig:"API_PORT" default:"8080"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	ImportMaxRows  int      `envconfig:"IMPORT_MAX_ROWS" default:"1000"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Logging
	// ----------------------------
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"` // json | console
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive"))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be >= 1"))
	}
	if c.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 0"))
	}
	if c.RetryBackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("RETRY_BACKOFF_FACTOR must be >= 1"))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY >= 0"))
	}
	if c.StartupAttempts < 1 {
		errs = append(errs, fmt.Errorf("STARTUP_ATTEMPTS must be >= 1"))
	}
	if c.DegradedThreshold < 0 || c.DegradedThreshold >= c.UnhealthyThreshold {
		errs = append(errs, fmt.Errorf("HEALTH_DEGRADED_THRESHOLD must be below HEALTH_UNHEALTHY_THRESHOLD"))
	}
	if _, err := timeutil.LoadLocation(c.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_TIMEZONE: %w", err))
	}
	if c.DefaultIntervalDays < 1 || c.DefaultMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("DEFAULT_INTERVAL_DAYS and DEFAULT_MAX_ATTEMPTS must be >= 1"))
	}
	if c.RateLimit < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must be >= 1"))
	}

	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("SQLITE_PATH is required for the sqlite store"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres store"))
		}
	case "dynamodb":
		if c.DynamoAppTable == "" || c.DynamoRecTable == "" {
			errs = append(errs, fmt.Errorf("DYNAMO_APPLICATIONS_TABLE and DYNAMO_FOLLOWUPS_TABLE are required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.EmailProvider {
	case "smtp", "ses":
	default:
		errs = append(errs, fmt.Errorf("unknown EMAIL_PROVIDER %q", c.EmailProvider))
	}

	return errors.Join(errs...)
}

// Package config defines the configuration of the fan-out service. It is
// loaded once per process (Lambda cold start or container boot) and never
// modified afterwards.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails the load.
package config

import (
	"time"

	"fanout/internal/types"
)

// SecretString is an alias for types.SecretString so that secrets read from
// the environment never show up in logs.
type SecretString = types.SecretString

// Config is the top-level configuration. Components receive only the group
// they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"df2-fanout"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Hostname    string `envconfig:"HOSTNAME"`

	AWS       AWSConfig
	Fanout    FanoutConfig
	Cache     CacheConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Poller    PollerConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// AWSConfig holds the AWS region and the queue and topic naming.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// AccountID is used to build queue URLs and topic ARNs. It may be left
	// empty when an endpoint override is set.
	AccountID string `envconfig:"AWS_ACCOUNT_ID" validate:"required_without=EndpointURL"`

	IngestionQueueName string `envconfig:"SQS_INGESTION_QUEUE_NAME" validate:"required"`
	TelemetryQueueName string `envconfig:"SQS_TELEMETRY_QUEUE_NAME"`
	FeedQueuePrefix    string `envconfig:"FEED_QUEUE_PREFIX"`
	TopicNamePrefix    string `envconfig:"BROADCAST_TOPIC_PREFIX"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// FanoutConfig holds the splitting and very large message thresholds.
type FanoutConfig struct {
	StartSplitFromRoomSize    int `envconfig:"FANOUT_SPLIT_FROM_ROOM_SIZE" default:"500" validate:"gte=0"`
	SplitDistributionListSize int `envconfig:"FANOUT_SPLIT_DL_SIZE" default:"250" validate:"gte=1"`
	VLMCutoffBytes            int `envconfig:"FANOUT_VLM_CUTOFF_BYTES" default:"240000" validate:"gte=0"`
	// MaxConcurrency caps the records of a batch processed at once. Zero means no cap.
	MaxConcurrency      int `envconfig:"FANOUT_MAX_CONCURRENCY" default:"0" validate:"gte=0"`
	DeliveryConcurrency int `envconfig:"FANOUT_DELIVERY_CONCURRENCY" default:"16" validate:"gte=1"`
}

// CacheConfig configures the very large payload cache. An empty Addr disables it.
type CacheConfig struct {
	Type     string        `envconfig:"CACHE_TYPE" default:"redis" validate:"oneof=redis"`
	Addr     string        `envconfig:"CACHE_ADDR" validate:"omitempty,hostname_port"`
	Password SecretString  `envconfig:"CACHE_PASSWORD"`
	DB       int           `envconfig:"CACHE_DB" default:"0"`
	ItemTTL  time.Duration `envconfig:"CACHE_ITEM_TTL" default:"168h"`
	Replicas int           `envconfig:"CACHE_REPLICAS" default:"1" validate:"gte=1"`

	// Breaker tuning
	BreakerFailures uint32        `envconfig:"CACHE_BREAKER_FAILURES" default:"5"`
	BreakerTimeout  time.Duration `envconfig:"CACHE_BREAKER_TIMEOUT" default:"30s"`
}

// Enabled reports whether a cache endpoint is configured.
func (c CacheConfig) Enabled() bool {
	return c.Addr != ""
}

// DatabaseConfig holds the feed registry connection and pool tuning.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`

	// StaleFeedsTTL is the idle time after which a feed is retired. Zero disables recycling.
	StaleFeedsTTL time.Duration `envconfig:"STALE_FEEDS_TTL" default:"720h"`
}

// TelemetryConfig controls the per-batch telemetry export.
type TelemetryConfig struct {
	ExportEnabled   bool   `envconfig:"TELEMETRY_EXPORT_ENABLED" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"DF2Fanout"`
}

// PollerConfig is used only by the container entry point.
type PollerConfig struct {
	WaitTime    time.Duration `envconfig:"POLL_WAIT_TIME" default:"20s" validate:"lte=20s"`
	MaxMessages int32         `envconfig:"POLL_MAX_MESSAGES" default:"10" validate:"gte=1,lte=10"`
	HealthAddr  string        `envconfig:"HEALTH_ADDR" default:":8080"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed into its field type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

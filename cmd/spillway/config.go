package main

import (
	"fmt"
	"time"

	"github.com/tinytelemetry/spillway/internal/awsconf"
	"github.com/tinytelemetry/spillway/internal/buffer"
	"github.com/tinytelemetry/spillway/internal/delivery"
	"github.com/tinytelemetry/spillway/internal/httpserver"
	"github.com/tinytelemetry/spillway/internal/model"
	"github.com/tinytelemetry/spillway/internal/objstore"
	"github.com/tinytelemetry/spillway/internal/tiering"
)

const (
	defaultAPIAddr            = httpserver.DefaultAddr
	defaultIngestPath         = httpserver.DefaultIngestPath
	defaultAuthHeader         = httpserver.DefaultAuthHeader
	defaultRequestTimeout     = model.DefaultRequestTimeout
	defaultMaxBodyBytes       = httpserver.DefaultMaxBodyBytes
	defaultSecretProvider     = "aws"
	defaultSecretTTL          = model.DefaultSecretTTL
	defaultSecretFetchTimeout = 5 * time.Second
	defaultAWSRegion          = awsconf.DefaultRegion
	defaultSink               = "s3"
	defaultDeliveryChannel    = model.DefaultDeliveryChannel
	defaultCompression        = delivery.CompressionNone
	defaultSizeThreshold      = model.DefaultSizeThreshold
	defaultTimeThreshold      = model.DefaultTimeThreshold
	defaultFlushCheckInterval = model.DefaultFlushCheckInterval
	defaultQueueSize          = buffer.DefaultQueueSize
	defaultWorkers            = buffer.DefaultWorkers
	defaultMaxAttempts        = delivery.DefaultMaxAttempts
	defaultInitialBackoff     = delivery.DefaultInitialBackoff
	defaultMaxBackoff         = delivery.DefaultMaxBackoff
	defaultTierIADays         = 30
	defaultTierArchiveDays    = 90
	defaultTierSweepInterval  = time.Hour
	defaultShutdownTimeout    = 30 * time.Second
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	APIAddr        string        `mapstructure:"api-addr"`
	IngestPath     string        `mapstructure:"ingest-path"`
	AuthHeader     string        `mapstructure:"auth-header"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	MaxBodyBytes   int64         `mapstructure:"max-body-bytes"`

	SecretProvider     string        `mapstructure:"secret-provider"`
	SecretName         string        `mapstructure:"secret-name"`
	SecretJSONKey      string        `mapstructure:"secret-json-key"`
	SecretTTL          time.Duration `mapstructure:"secret-ttl"`
	SecretFetchTimeout time.Duration `mapstructure:"secret-fetch-timeout"`

	AWSRegion       string `mapstructure:"aws-region"`
	AWSEndpoint     string `mapstructure:"aws-endpoint"`
	AWSUseSSL       bool   `mapstructure:"aws-use-ssl"`
	AWSAccessKey    string `mapstructure:"aws-access-key"`
	AWSSecretKey    string `mapstructure:"aws-secret-key"`
	AWSSessionToken string `mapstructure:"aws-session-token"`
	S3PathStyle     bool   `mapstructure:"s3-path-style"`

	Sink                   string        `mapstructure:"sink"`
	BucketURL              string        `mapstructure:"bucket-url"`
	DBPath                 string        `mapstructure:"db-path"`
	DeliveryChannel        string        `mapstructure:"delivery-channel"`
	DeliveryCompression    string        `mapstructure:"delivery-compression"`
	DeliveryQueueSize      int           `mapstructure:"delivery-queue-size"`
	DeliveryWorkers        int           `mapstructure:"delivery-workers"`
	DeliveryMaxAttempts    int           `mapstructure:"delivery-max-attempts"`
	DeliveryInitialBackoff time.Duration `mapstructure:"delivery-initial-backoff"`
	DeliveryMaxBackoff     time.Duration `mapstructure:"delivery-max-backoff"`

	BufferSizeThreshold int64         `mapstructure:"buffer-size-threshold"`
	BufferTimeThreshold time.Duration `mapstructure:"buffer-time-threshold"`
	FlushCheckInterval  time.Duration `mapstructure:"flush-check-interval"`

	TierEnabled       bool          `mapstructure:"tier-enabled"`
	TierIADays        int           `mapstructure:"tier-ia-days"`
	TierIAClass       string        `mapstructure:"tier-ia-class"`
	TierArchiveDays   int           `mapstructure:"tier-archive-days"`
	TierArchiveClass  string        `mapstructure:"tier-archive-class"`
	TierSweepInterval time.Duration `mapstructure:"tier-sweep-interval"`

	JournalEnabled  bool          `mapstructure:"journal-enabled"`
	JournalPath     string        `mapstructure:"journal-path"`
	MetricsEnabled  bool          `mapstructure:"metrics-enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	LogFile         string        `mapstructure:"log-file"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func (c appConfig) awsOptions() awsconf.Options {
	return awsconf.Options{
		Region:       c.AWSRegion,
		Endpoint:     c.AWSEndpoint,
		AccessKey:    c.AWSAccessKey,
		SecretKey:    c.AWSSecretKey,
		SessionToken: c.AWSSessionToken,
	}
}

func (c appConfig) tierPolicy() tiering.Policy {
	return tiering.Policy{Transitions: []tiering.Transition{
		{AfterDays: c.TierIADays, Class: c.TierIAClass},
		{AfterDays: c.TierArchiveDays, Class: c.TierArchiveClass},
	}}
}

func (c appConfig) validate() error {
	switch c.Sink {
	case "s3":
		if _, _, err := objstore.ParseBucketURL(c.BucketURL); err != nil {
			return fmt.Errorf("invalid bucket-url: %w", err)
		}
	case "duckdb":
		if c.DBPath == "" {
			return fmt.Errorf("db-path is required for the duckdb sink")
		}
	default:
		return fmt.Errorf("invalid sink %q (want s3 or duckdb)", c.Sink)
	}

	switch c.SecretProvider {
	case "aws", "env":
	default:
		return fmt.Errorf("invalid secret-provider %q (want aws or env)", c.SecretProvider)
	}
	if c.SecretName == "" {
		return fmt.Errorf("secret-name is required")
	}

	switch c.DeliveryCompression {
	case delivery.CompressionNone, delivery.CompressionGzip:
	default:
		return fmt.Errorf("invalid delivery-compression %q (want none or gzip)", c.DeliveryCompression)
	}
	if c.DeliveryChannel == "" {
		return fmt.Errorf("delivery-channel is required")
	}

	if c.BufferSizeThreshold <= 0 {
		return fmt.Errorf("invalid buffer-size-threshold: %d", c.BufferSizeThreshold)
	}
	if c.BufferTimeThreshold <= 0 {
		return fmt.Errorf("invalid buffer-time-threshold: %s", c.BufferTimeThreshold)
	}
	if c.FlushCheckInterval <= 0 || c.FlushCheckInterval > c.BufferTimeThreshold {
		return fmt.Errorf("flush-check-interval must be positive and no longer than buffer-time-threshold")
	}
	if c.RequestTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("request-timeout and shutdown-timeout must be positive")
	}
	if c.DeliveryWorkers <= 0 || c.DeliveryQueueSize <= 0 {
		return fmt.Errorf("delivery-workers and delivery-queue-size must be positive")
	}
	if c.DeliveryMaxAttempts <= 0 {
		return fmt.Errorf("invalid delivery-max-attempts: %d", c.DeliveryMaxAttempts)
	}

	if c.TierEnabled {
		if err := c.tierPolicy().Validate(); err != nil {
			return err
		}
	}
	if c.JournalEnabled && c.JournalPath == "" {
		return fmt.Errorf("journal-path is required when journal-enabled is set")
	}
	return nil
}

// Package config loads the process-wide settings of the transfer and occurrence jobs from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/firefly-vcut/go-vcut/backoff"
	"github.com/firefly-vcut/go-vcut/occurrence"
	"github.com/firefly-vcut/go-vcut/stepconf"
	"github.com/firefly-vcut/go-vcut/transfer/chunkuploader"
)

const defaultRegion = "auto"

// Config ...
type Config struct {
	R2Endpoint      string          `env:"R2_ENDPOINT,required"`
	R2Bucket        string          `env:"R2_BUCKET,required"`
	R2Region        string          `env:"R2_REGION"`
	R2UsePathStyle  bool            `env:"R2_USE_PATH_STYLE"`
	R2HeadRetryWait time.Duration   `env:"R2_HEAD_RETRY_WAIT"`
	AccessKeyID     string          `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey stepconf.Secret `env:"AWS_SECRET_ACCESS_KEY"`

	// Probing and downloading source pages
	HTTPMaxRetries     uint          `env:"HTTP_MAX_RETRIES,range[0..20]"`
	HTTPInitialBackoff time.Duration `env:"HTTP_INITIAL_BACKOFF"`
	HTTPExponent       float64       `env:"HTTP_EXPONENT,range]1..]"`
	HTTPMaxBackoff     time.Duration `env:"HTTP_MAX_BACKOFF"`

	// Fetching the byte ranges of a multipart upload
	StreamingMaxRetries     uint          `env:"STREAMING_MAX_RETRIES,range[0..20]"`
	StreamingInitialBackoff time.Duration `env:"STREAMING_INITIAL_BACKOFF"`
	StreamingExponent       float64       `env:"STREAMING_EXPONENT,range]1..]"`
	StreamingMaxBackoff     time.Duration `env:"STREAMING_MAX_BACKOFF"`

	ChunkSchedule string        `env:"TRANSFER_CHUNK_SCHEDULE"`
	Concurrency   int           `env:"TRANSFER_CONCURRENCY,range[1..64]"`
	Timeout       time.Duration `env:"TRANSFER_TIMEOUT"`

	OccurrenceThreshold int             `env:"OCCURRENCE_THRESHOLD,range[0..100]"`
	Sessdata            stepconf.Secret `env:"BILIBILI_SESSDATA"`
	AnalyticsEnabled    bool            `env:"ANALYTICS_ENABLED"`
	CompressTranscripts bool            `env:"TRANSCRIPT_COMPRESS"`
}

// Default returns the settings used for every variable that is not set.
func Default() Config {
	policy := backoff.DefaultPolicy()
	uploaderConfig := chunkuploader.DefaultConfig()

	return Config{
		R2Region:        defaultRegion,
		R2HeadRetryWait: 5 * time.Second,

		HTTPMaxRetries:     policy.MaxRetries,
		HTTPInitialBackoff: policy.InitialBackoff,
		HTTPExponent:       policy.Exponent,
		HTTPMaxBackoff:     policy.MaxBackoff,

		StreamingMaxRetries:     policy.MaxRetries,
		StreamingInitialBackoff: policy.InitialBackoff,
		StreamingExponent:       policy.Exponent,
		StreamingMaxBackoff:     policy.MaxBackoff,

		ChunkSchedule: uploaderConfig.ChunkSchedule.String(),
		Concurrency:   uploaderConfig.Concurrency,

		OccurrenceThreshold: occurrence.DefaultThreshold,
	}
}

// Load reads the configuration from envRepo on top of Default.
func Load(envRepo env.Repository) (Config, error) {
	c := Default()
	if err := stepconf.NewInputParser(envRepo).Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate ...
func (c *Config) Validate() error {
	var errs []error
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		errs = append(errs, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together"))
	}
	if err := c.HTTPPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("http retry policy: %w", err))
	}
	if _, err := c.ChunkUploaderConfig(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HTTPPolicy is the retry policy of source page probes and downloads.
func (c *Config) HTTPPolicy() backoff.Policy {
	return backoff.Policy{
		MaxRetries:           c.HTTPMaxRetries,
		InitialBackoff:       c.HTTPInitialBackoff,
		Exponent:             c.HTTPExponent,
		MaxBackoff:           c.HTTPMaxBackoff,
		RetryableStatusCodes: backoff.DefaultRetryableStatusCodes,
	}
}

// StreamingPolicy is the retry policy of a single range fetch.
func (c *Config) StreamingPolicy() backoff.Policy {
	return backoff.Policy{
		MaxRetries:           c.StreamingMaxRetries,
		InitialBackoff:       c.StreamingInitialBackoff,
		Exponent:             c.StreamingExponent,
		MaxBackoff:           c.StreamingMaxBackoff,
		RetryableStatusCodes: backoff.DefaultRetryableStatusCodes,
	}
}

// ChunkUploaderConfig builds and validates the multipart upload settings.
func (c *Config) ChunkUploaderConfig() (chunkuploader.Config, error) {
	uploaderConfig := chunkuploader.DefaultConfig()

	schedule, err := chunkuploader.ParseChunkSchedule(c.ChunkSchedule)
	if err != nil {
		return chunkuploader.Config{}, fmt.Errorf("TRANSFER_CHUNK_SCHEDULE: %w", err)
	}
	uploaderConfig.ChunkSchedule = schedule
	uploaderConfig.Concurrency = c.Concurrency
	uploaderConfig.Timeout = c.Timeout
	uploaderConfig.Policy = c.StreamingPolicy()

	if err := uploaderConfig.Validate(); err != nil {
		return chunkuploader.Config{}, err
	}
	return uploaderConfig, nil
}

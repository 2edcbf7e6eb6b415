package chunkuploader

import (
	"fmt"
	"net/http"
	"time"

	"github.com/firefly-vcut/go-vcut/backoff"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the number of part upload workers per session.
	// Default: 5
	Concurrency int

	// ChunkSchedule is the list of chunk sizes tried in order; every failed attempt moves to the next entry.
	// Default: 20 MiB, 50 MiB, unchunked
	ChunkSchedule ChunkSchedule

	// AttemptPause separates two attempts of the same session.
	// Default: 5 seconds
	AttemptPause time.Duration

	// ContentType of the destination object.
	// Default: audio/mp4
	ContentType string

	// Timeout bounds a whole session, all attempts included. Zero means the caller's deadline only.
	Timeout time.Duration

	// Policy is the retry policy of a single range fetch.
	Policy backoff.Policy

	// HTTPClient is the HTTP client used for range fetches.
	// If nil, a default optimized client will be created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:   5,
		ChunkSchedule: DefaultChunkSchedule,
		AttemptPause:  5 * time.Second,
		ContentType:   "audio/mp4",
		Policy:        backoff.DefaultPolicy(),
		HTTPClient:    nil, // Will be created by Uploader
	}
}

// Validate ...
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if len(c.ChunkSchedule) == 0 {
		return fmt.Errorf("chunk schedule must not be empty")
	}
	if c.AttemptPause < 0 {
		return fmt.Errorf("attempt pause must not be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid fetch retry policy: %w", err)
	}
	return nil
}

// DefaultHTTPClient creates an HTTP client optimized for range fetches.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - sessions are bounded via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/firefly-vcut/go-vcut/backoff"
	"github.com/hashicorp/go-retryablehttp"
)

// SourceClient talks to the media source for everything except range fetches.
type SourceClient struct {
	httpClient *retryablehttp.Client
	logger     log.Logger
}

// NewSourceClient creates a client whose retries follow policy.
func NewSourceClient(policy backoff.Policy, logger log.Logger) *SourceClient {
	return &SourceClient{
		httpClient: backoff.NewHTTPClient(policy, logger),
		logger:     logger,
	}
}

// StandardClient returns an *http.Client that retries with the same policy.
func (c *SourceClient) StandardClient() *http.Client {
	return c.httpClient.StandardClient()
}

// ContentLength returns the size of the resource at url, as reported by a HEAD request.
func (c *SourceClient) ContentLength(ctx context.Context, url string, headers map[string]string) (uint64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", url, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, unwrapError(resp)
	}

	if resp.ContentLength >= 0 {
		return uint64(resp.ContentLength), nil
	}

	value := resp.Header.Get("Content-Length")
	length, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Length %q: %w", value, err)
	}

	return length, nil
}

func unwrapError(resp *http.Response) error {
	errorBody := make([]byte, 1024)
	n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(errorBody[:n]))
}

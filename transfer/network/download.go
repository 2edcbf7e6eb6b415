package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/melbahja/got"
)

// DownloadParams ...
type DownloadParams struct {
	URL         string
	Headers     map[string]string
	Destination string
	// Concurrency is the number of connections of the parallel download. Zero lets got decide.
	Concurrency uint
}

// DownloadFile saves the resource at params.URL to params.Destination using parallel range requests.
// If the parallel download fails the file is fetched again over a single connection.
func DownloadFile(ctx context.Context, client *http.Client, params DownloadParams, logger log.Logger) error {
	if params.URL == "" {
		return fmt.Errorf("download URL is empty")
	}
	if params.Destination == "" {
		return fmt.Errorf("download destination is empty")
	}
	if client == nil {
		client = http.DefaultClient
	}

	headerClient := withHeaders(client, params.Headers)

	err := downloadParallel(ctx, headerClient, params)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("download %s: %w", params.URL, err)
	}

	logger.Warnf("Parallel download of %s failed, falling back to a single connection: %s", params.URL, err)
	if removeErr := os.Remove(params.Destination); removeErr != nil && !os.IsNotExist(removeErr) {
		logger.Debugf("remove partial download: %s", removeErr)
	}

	if err := downloadSingle(ctx, headerClient, params); err != nil {
		return fmt.Errorf("download %s: %w", params.URL, err)
	}

	return nil
}

func downloadParallel(ctx context.Context, client *http.Client, params DownloadParams) error {
	downloader := got.New()
	downloader.Client = client

	download := got.NewDownload(ctx, params.URL, params.Destination)
	download.Concurrency = params.Concurrency

	return downloader.Do(download)
}

func downloadSingle(ctx context.Context, client *http.Client, params DownloadParams) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	file, err := os.Create(params.Destination)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()                  //nolint:errcheck
		os.Remove(params.Destination) //nolint:errcheck
		return fmt.Errorf("write file: %w", err)
	}

	return file.Close()
}

// headerTransport sets a fixed set of headers on every request it forwards.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func withHeaders(client *http.Client, headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return client
	}

	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	wrapped := *client
	wrapped.Transport = &headerTransport{base: base, headers: headers}
	return &wrapped
}

package chunkuploader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/firefly-vcut/go-vcut/backoff"
)

// ObjectStore is the part of the object store a session talks to.
type ObjectStore interface {
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, body []byte) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []UploadedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Source identifies the remote resource a session copies.
type Source struct {
	URL         string
	Headers     map[string]string
	TotalLength uint64
}

// chunkWorker fetches ranges of a source and uploads them as parts.
type chunkWorker struct {
	httpClient *http.Client
	executor   *backoff.Executor
	store      ObjectStore
	stats      *Stats
	logger     log.Logger
}

// fetch downloads one range with retries. Failures that outlive the retry policy are returned as
// a ChunkTransferFault.
func (w *chunkWorker) fetch(ctx context.Context, source Source, partNumber int, r ByteRange) ([]byte, error) {
	start := time.Now()

	data, err := backoff.Do(ctx, w.executor, func(ctx context.Context, attempt uint) ([]byte, error) {
		w.logger.Debugf("Fetching chunk %d %s (attempt %d/%d) %s",
			partNumber, r, attempt+1, w.executor.Policy().Attempts(), w.stats)
		return w.fetchOnce(ctx, source, r)
	}, nil)
	if err != nil {
		return nil, &ChunkTransferFault{PartNumber: partNumber, Range: r, Err: fmt.Errorf("fetch: %w", err)}
	}

	took := time.Since(start)
	w.stats.Update(took, len(data))
	w.logger.Debugf("Fetched chunk %d (%d bytes) in %s", partNumber, len(data), took.Round(time.Millisecond))

	return data, nil
}

func (w *chunkWorker) fetchOnce(ctx context.Context, source Source, r ByteRange) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	for k, v := range source.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", r.Header())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(fmt.Errorf("chunk fetch cancelled: %w", ctx.Err()))
		}
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			w.logger.Debugf("close response body: %s", err)
		}
	}(resp.Body)

	if err := w.checkStatus(resp, r); err != nil {
		return nil, err
	}

	want, known := expectedWidth(r, source.TotalLength)
	if known && resp.ContentLength >= 0 && uint64(resp.ContentLength) != want {
		return nil, fmt.Errorf("range request returned invalid Content-Length: expected %d, got %d", want, resp.ContentLength)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chunk body: %w", err)
	}
	if known && uint64(len(data)) != want {
		return nil, fmt.Errorf("range request returned %d bytes, expected %d", len(data), want)
	}

	return data, nil
}

// expectedWidth reports how many bytes a response for r must carry. An open range runs to the end
// of the source, so its width is only known when the total length lies past its start.
func expectedWidth(r ByteRange, totalLength uint64) (uint64, bool) {
	if !r.Open {
		return r.Width(), true
	}
	if totalLength > r.Start {
		return totalLength - r.Start, true
	}
	return 0, false
}

func (w *chunkWorker) checkStatus(resp *http.Response, r ByteRange) error {
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		return nil
	case resp.StatusCode == http.StatusOK:
		// The server ignored the Range header; that is only the requested payload for a whole-body range.
		if r.Open && r.Start == 0 {
			return nil
		}
		return backoff.Permanent(fmt.Errorf("server does not support range requests (HTTP 200 for %s)", r.Header()))
	case resp.StatusCode == http.StatusTooManyRequests || w.executor.Policy().IsRetryableStatus(resp.StatusCode):
		return unwrapError(resp)
	default:
		return backoff.Permanent(unwrapError(resp))
	}
}

// upload sends one fetched chunk as a part of the multipart upload.
func (w *chunkWorker) upload(ctx context.Context, key, uploadID string, partNumber int, r ByteRange, data []byte) (UploadedPart, error) {
	start := time.Now()

	etag, err := w.store.UploadPart(ctx, key, uploadID, partNumber, data)
	if err != nil {
		return UploadedPart{}, &ChunkTransferFault{PartNumber: partNumber, Range: r, Err: fmt.Errorf("upload part: %w", err)}
	}
	if etag == "" {
		return UploadedPart{}, &ChunkTransferFault{PartNumber: partNumber, Range: r, Err: fmt.Errorf("no ETag in upload part response")}
	}

	w.logger.Debugf("Chunk %d uploaded successfully in %v, ETag: %s", partNumber, time.Since(start).Round(time.Millisecond), etag)
	return UploadedPart{PartNumber: partNumber, ETag: etag}, nil
}

func unwrapError(resp *http.Response) error {
	errorBody := make([]byte, 1024)
	n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(errorBody[:n]))
}

// Package transfer streams the audio of recordings into the object store, one multipart upload per page.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/firefly-vcut/go-vcut/transfer/chunkuploader"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Recording is a live recording archive made of one or more pages.
type Recording struct {
	ID      int64
	Bvid    string
	Mid     int64
	Title   string
	Pubdate int64
}

// Page is one media page of a recording. Number is 1-based.
type Page struct {
	Number    int
	SourceURL string
	Headers   map[string]string
}

// PageSource resolves the audio stream of every page of a recording.
type PageSource interface {
	Pages(ctx context.Context, recording Recording) ([]Page, error)
}

// LengthProber reports the size of a remote resource.
type LengthProber interface {
	ContentLength(ctx context.Context, url string, headers map[string]string) (uint64, error)
}

// SourceHeaders returns the request headers the media source expects from a logged in browser.
func SourceHeaders(sessdata string) map[string]string {
	headers := map[string]string{
		"User-Agent": userAgent,
		"Referer":    "https://www.bilibili.com/",
	}
	if sessdata != "" {
		headers["Cookie"] = fmt.Sprintf("SESSDATA=%s", sessdata)
	}
	return headers
}

// PageResult is the outcome of one page.
type PageResult struct {
	Page    int
	Key     string
	Skipped bool
	Parts   []chunkuploader.UploadedPart
	Err     error
}

// StreamResult is the outcome of one recording.
type StreamResult struct {
	Recording Recording
	Pages     []PageResult
}

// Keys returns the object keys of the pages present in the store, in page order.
func (r StreamResult) Keys() []string {
	var keys []string
	for _, page := range r.Pages {
		if page.Err == nil {
			keys = append(keys, page.Key)
		}
	}
	return keys
}

// Failed returns the number of pages that could not be transferred.
func (r StreamResult) Failed() int {
	failed := 0
	for _, page := range r.Pages {
		if page.Err != nil {
			failed++
		}
	}
	return failed
}

// StreamerConfig ...
type StreamerConfig struct {
	KeyTemplate string
	Tracker     analytics.Tracker
}

// Streamer copies the pages of recordings into the object store.
type Streamer struct {
	uploader    *chunkuploader.Uploader
	store       chunkuploader.ObjectStore
	prober      LengthProber
	keys        KeyTemplate
	keyTemplate string
	tracker     pageTracker
	logger      log.Logger
}

// NewStreamer ...
func NewStreamer(tc chunkuploader.TransferContext, prober LengthProber, envRepo env.Repository, config StreamerConfig) *Streamer {
	keyTemplate := config.KeyTemplate
	if keyTemplate == "" {
		keyTemplate = DefaultAudioKeyTemplate
	}

	return &Streamer{
		uploader:    chunkuploader.New(tc),
		store:       tc.Store,
		prober:      prober,
		keys:        NewKeyTemplate(envRepo, tc.Logger),
		keyTemplate: keyTemplate,
		tracker:     newPageTracker(config.Tracker, tc.Logger),
		logger:      tc.Logger,
	}
}

// Close waits for queued analytics events and releases idle connections.
func (s *Streamer) Close() {
	s.tracker.wait()
	s.uploader.CloseIdleConnections()
}

// StreamRecording transfers every page of recording. A failed page does not stop the remaining ones; the
// returned error joins the errors of every failed page.
func (s *Streamer) StreamRecording(ctx context.Context, recording Recording, pages []Page) (StreamResult, error) {
	result := StreamResult{Recording: recording}
	if len(pages) == 0 {
		return result, fmt.Errorf("no pages found for recording %s", recording.Bvid)
	}

	s.logger.Infof("Streaming recording %s (%s), %d page(s)", recording.Title, recording.Bvid, len(pages))

	var errs []error
	for _, page := range pages {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		pageResult := s.streamPage(ctx, recording, page)
		result.Pages = append(result.Pages, pageResult)
		if pageResult.Err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", page.Number, pageResult.Err))
		}
	}

	if len(errs) > 0 {
		return result, fmt.Errorf("stream recording %s: %w", recording.Bvid, errors.Join(errs...))
	}

	s.logger.Donef("Streamed recording %s to %v", recording.Bvid, result.Keys())
	return result, nil
}

func (s *Streamer) streamPage(ctx context.Context, recording Recording, page Page) PageResult {
	result := PageResult{Page: page.Number}

	key, err := s.keys.Evaluate(s.keyTemplate, recording, page.Number)
	if err != nil {
		result.Err = fmt.Errorf("evaluate object key: %w", err)
		return result
	}
	result.Key = key

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		result.Err = fmt.Errorf("check object %s: %w", key, err)
		return result
	}
	if exists {
		s.logger.Printf("Audio object %s already exists, skipping", key)
		s.tracker.logPageSkipped(recording, page.Number)
		result.Skipped = true
		return result
	}

	start := time.Now()
	length, err := s.prober.ContentLength(ctx, page.SourceURL, page.Headers)
	if err != nil {
		result.Err = fmt.Errorf("get audio content length: %w", err)
		s.logger.Errorf("Failed to stream page %d of %s: %s", page.Number, recording.Bvid, result.Err)
		s.tracker.logPageFailed(recording, page.Number, time.Since(start), result.Err)
		return result
	}
	s.logger.Debugf("Audio content length of page %d: %d", page.Number, length)

	session := s.uploader.NewSession(key, chunkuploader.Source{
		URL:         page.SourceURL,
		Headers:     page.Headers,
		TotalLength: length,
	})
	parts, err := session.Run(ctx)
	if err != nil {
		result.Err = err
		s.logger.Errorf("Failed to stream page %d of %s: %s", page.Number, recording.Bvid, err)
		s.tracker.logPageFailed(recording, page.Number, time.Since(start), err)
		return result
	}

	result.Parts = parts
	s.tracker.logPageTransferred(recording, page.Number, time.Since(start), length, len(session.Attempts()))
	return result
}

// StreamRecordings streams each recording in turn. A recording whose pages cannot be resolved or streamed is
// logged and the next one is processed.
func (s *Streamer) StreamRecordings(ctx context.Context, recordings []Recording, source PageSource) ([]StreamResult, error) {
	var results []StreamResult
	var errs []error
	for _, recording := range recordings {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		pages, err := source.Pages(ctx, recording)
		if err != nil {
			s.logger.Errorf("Failed to resolve pages of %s: %s", recording.Bvid, err)
			errs = append(errs, fmt.Errorf("resolve pages of %s: %w", recording.Bvid, err))
			continue
		}

		result, err := s.StreamRecording(ctx, recording, pages)
		results = append(results, result)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return results, errors.Join(errs...)
}

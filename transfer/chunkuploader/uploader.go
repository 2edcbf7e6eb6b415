package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/firefly-vcut/go-vcut/backoff"
)

const abortTimeout = 30 * time.Second

// TransferContext bundles the collaborators shared read-only by every session of a process.
type TransferContext struct {
	HTTPClient *http.Client
	Store      ObjectStore
	Config     Config
	Logger     log.Logger
}

// NewTransferContext validates config and fills in the default HTTP client.
func NewTransferContext(store ObjectStore, config Config, logger log.Logger) (TransferContext, error) {
	if store == nil {
		return TransferContext{}, fmt.Errorf("object store must not be nil")
	}
	if err := config.Validate(); err != nil {
		return TransferContext{}, fmt.Errorf("invalid chunk uploader config: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	return TransferContext{
		HTTPClient: httpClient,
		Store:      store,
		Config:     config,
		Logger:     logger,
	}, nil
}

// Uploader starts multipart upload sessions.
type Uploader struct {
	tc TransferContext
}

// New creates a new Uploader.
func New(tc TransferContext) *Uploader {
	return &Uploader{tc: tc}
}

// TransferObject copies source into key, degrading the chunk size on failure. See Session.Run.
func (u *Uploader) TransferObject(ctx context.Context, key string, source Source) ([]UploadedPart, error) {
	return u.NewSession(key, source).Run(ctx)
}

// TransferIfAbsent skips the transfer when key already exists in the store.
func (u *Uploader) TransferIfAbsent(ctx context.Context, key string, source Source) (bool, []UploadedPart, error) {
	exists, err := u.tc.Store.Exists(ctx, key)
	if err != nil {
		return false, nil, fmt.Errorf("check object %s: %w", key, err)
	}
	if exists {
		u.tc.Logger.Debugf("Object %s already exists, skipping transfer", key)
		return true, nil, nil
	}

	parts, err := u.TransferObject(ctx, key, source)
	return false, parts, err
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *Uploader) CloseIdleConnections() {
	u.tc.HTTPClient.CloseIdleConnections()
}

// NewSession prepares a session for one destination object.
func (u *Uploader) NewSession(key string, source Source) *Session {
	return &Session{
		tc:     u.tc,
		key:    key,
		source: source,
		state:  StatePending,
		worker: &chunkWorker{
			httpClient: u.tc.HTTPClient,
			executor:   backoff.NewExecutor(u.tc.Config.Policy, u.tc.Logger),
			store:      u.tc.Store,
			stats:      NewStats(),
			logger:     u.tc.Logger,
		},
	}
}

// Session is one MultipartUploadSession: a destination key, its source, and the attempts made so far.
// A session is not safe for concurrent Run calls.
type Session struct {
	tc       TransferContext
	key      string
	source   Source
	worker   *chunkWorker
	state    State
	attempts []Attempt
}

// State returns the state of the latest attempt.
func (s *Session) State() State {
	return s.state
}

// Attempts returns a copy of the attempts made so far.
func (s *Session) Attempts() []Attempt {
	return append([]Attempt(nil), s.attempts...)
}

// Stats returns the fetch statistics of the session.
func (s *Session) Stats() *Stats {
	return s.worker.stats
}

// Run transfers the source, one attempt per chunk schedule entry, until an attempt completes.
//
// Every failed attempt aborts its upload id before the next one starts. When the schedule is exhausted, or
// the session's time budget runs out, a *TransferFailed is returned and the destination key does not exist.
func (s *Session) Run(ctx context.Context) ([]UploadedPart, error) {
	if s.tc.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.tc.Config.Timeout)
		defer cancel()
	}

	schedule := s.tc.Config.ChunkSchedule
	var lastErr error
	for i, chunkSize := range schedule {
		if i > 0 {
			s.tc.Logger.Warnf("Retrying %s with chunk size %s after %s", s.key, chunkSizeString(chunkSize), s.tc.Config.AttemptPause)
			if err := pause(ctx, s.tc.Config.AttemptPause); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		parts, err := s.attempt(ctx, chunkSize)
		if err == nil {
			return parts, nil
		}
		lastErr = err
		s.tc.Logger.Warnf("Transfer of %s with chunk size %s failed: %s", s.key, chunkSizeString(chunkSize), err)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &TransferFailed{Key: s.key, Attempts: s.Attempts(), Err: lastErr}
}

func (s *Session) attempt(ctx context.Context, chunkSize uint64) ([]UploadedPart, error) {
	record := Attempt{ChunkSize: chunkSize, State: StatePending}
	s.state = StatePending

	uploadID, err := s.tc.Store.CreateMultipartUpload(ctx, s.key, s.tc.Config.ContentType)
	if err != nil {
		record.Err = fmt.Errorf("create multipart upload: %w", err)
		s.attempts = append(s.attempts, record)
		return nil, record.Err
	}
	record.UploadID = uploadID
	record.State = StateInProgress
	s.state = StateInProgress

	ranges := dropEmptyTail(Plan(s.source.TotalLength, chunkSize), s.source.TotalLength)
	record.Parts = len(ranges)
	s.tc.Logger.Infof("Created multipart upload for %s (upload id %s), %d chunk(s) of %s",
		s.key, uploadID, len(ranges), chunkSizeString(chunkSize))

	parts, err := s.transferParts(ctx, uploadID, ranges)
	if err == nil {
		err = s.tc.Store.CompleteMultipartUpload(ctx, s.key, uploadID, parts)
		if err == nil {
			record.State = StateCompleted
			s.state = StateCompleted
			s.attempts = append(s.attempts, record)
			s.tc.Logger.Donef("Completed multipart upload for %s with %d part(s) %s", s.key, len(parts), s.worker.stats)
			return parts, nil
		}
		err = fmt.Errorf("complete multipart upload: %w", err)
	}

	// The abort must happen even when ctx is already done.
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if abortErr := s.tc.Store.AbortMultipartUpload(abortCtx, s.key, uploadID); abortErr != nil {
		s.tc.Logger.Errorf("Failed to abort multipart upload %s for %s: %s", uploadID, s.key, abortErr)
		err = errors.Join(err, fmt.Errorf("abort multipart upload: %w", abortErr))
	}

	record.State = StateAborted
	record.Err = err
	s.state = StateAborted
	s.attempts = append(s.attempts, record)
	return nil, err
}

type fetchedChunk struct {
	partNumber int
	r          ByteRange
	data       []byte
}

// transferParts fetches every range concurrently and feeds the buffers to a fixed pool of upload workers.
// It returns only after all fetchers and uploaders have stopped, so no UploadPart call for uploadID can
// happen after it returns.
func (s *Session) transferParts(ctx context.Context, uploadID string, ranges []ByteRange) ([]UploadedPart, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan fetchedChunk, s.tc.Config.Concurrency)
	results := make(chan ChunkResult, len(ranges))

	var fetchers sync.WaitGroup
	for i, r := range ranges {
		fetchers.Add(1)
		go func(partNumber int, r ByteRange) {
			defer fetchers.Done()

			data, err := s.worker.fetch(attemptCtx, s.source, partNumber, r)
			if err != nil {
				results <- ChunkResult{PartNumber: partNumber, Err: err}
				cancel()
				return
			}

			select {
			case chunks <- fetchedChunk{partNumber: partNumber, r: r, data: data}:
			case <-attemptCtx.Done():
				results <- ChunkResult{PartNumber: partNumber, Err: attemptCtx.Err()}
			}
		}(i+1, r)
	}

	go func() {
		fetchers.Wait()
		close(chunks)
	}()

	var uploaders sync.WaitGroup
	for w := 0; w < s.tc.Config.Concurrency; w++ {
		uploaders.Add(1)
		go func() {
			defer uploaders.Done()

			for chunk := range chunks {
				if err := attemptCtx.Err(); err != nil {
					results <- ChunkResult{PartNumber: chunk.partNumber, Err: err}
					continue
				}

				part, err := s.worker.upload(attemptCtx, s.key, uploadID, chunk.partNumber, chunk.r, chunk.data)
				if err != nil {
					results <- ChunkResult{PartNumber: chunk.partNumber, Err: err}
					cancel()
					continue
				}
				results <- ChunkResult{PartNumber: part.PartNumber, ETag: part.ETag, Size: len(chunk.data)}
			}
		}()
	}

	uploaders.Wait()
	close(results)

	parts := make([]UploadedPart, 0, len(ranges))
	var firstErr, cancelErr error
	for result := range results {
		switch {
		case result.Err == nil:
			parts = append(parts, UploadedPart{PartNumber: result.PartNumber, ETag: result.ETag})
		case errors.Is(result.Err, context.Canceled) && ctx.Err() == nil:
			// Cancelled by a sibling failure; the sibling's error is the cause.
			if cancelErr == nil {
				cancelErr = result.Err
			}
		case firstErr == nil:
			firstErr = result.Err
		}
	}
	if firstErr == nil && cancelErr != nil {
		firstErr = cancelErr
	}
	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		return nil, firstErr
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

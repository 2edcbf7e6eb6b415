package chunkuploader

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/firefly-vcut/go-vcut/backoff"
)

type fakeUpload struct {
	key   string
	parts map[int][]byte
}

// fakeStore is an in-memory ObjectStore that records every call.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int
	uploads   map[string]*fakeUpload
	objects   map[string][]byte
	calls     []string
	aborted   map[string]bool
	completed map[string]bool

	uploadPartErr func(partNumber int) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		uploads:   map[string]*fakeUpload{},
		objects:   map[string][]byte{},
		aborted:   map[string]bool{},
		completed: map[string]bool{},
	}
}

func (s *fakeStore) record(format string, args ...interface{}) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *fakeStore) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.uploads[id] = &fakeUpload{key: key, parts: map[int][]byte{}}
	s.record("create %s", id)
	return id, nil
}

func (s *fakeStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("part %s %d", uploadID, partNumber)
	if s.aborted[uploadID] || s.completed[uploadID] {
		return "", fmt.Errorf("NoSuchUpload: %s", uploadID)
	}
	if s.uploadPartErr != nil {
		if err := s.uploadPartErr(partNumber); err != nil {
			return "", err
		}
	}
	upload, ok := s.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("NoSuchUpload: %s", uploadID)
	}
	upload.parts[partNumber] = append([]byte(nil), body...)
	return fmt.Sprintf("\"etag-%s-%d\"", uploadID, partNumber), nil
}

func (s *fakeStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []UploadedPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("complete %s", uploadID)
	if s.aborted[uploadID] {
		return fmt.Errorf("NoSuchUpload: %s", uploadID)
	}
	upload := s.uploads[uploadID]

	var buf bytes.Buffer
	for i, part := range parts {
		if i > 0 && parts[i-1].PartNumber >= part.PartNumber {
			return fmt.Errorf("InvalidPartOrder")
		}
		data, ok := upload.parts[part.PartNumber]
		if !ok {
			return fmt.Errorf("InvalidPart: %d", part.PartNumber)
		}
		buf.Write(data)
	}
	s.objects[key] = buf.Bytes()
	s.completed[uploadID] = true
	return nil
}

func (s *fakeStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("abort %s", uploadID)
	s.aborted[uploadID] = true
	return nil
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) callsWithPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matching []string
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			matching = append(matching, c)
		}
	}
	return matching
}

func (s *fakeStore) allCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// rangeServer serves content with Range support and counts requests.
type rangeServer struct {
	*httptest.Server
	requests int32
}

func newRangeServer(content []byte, reject func(r *http.Request) bool) *rangeServer {
	rs := &rangeServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&rs.requests, 1)
		if reject != nil && reject(r) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "audio.m4a", time.Time{}, bytes.NewReader(content))
	}))
	return rs
}

func (rs *rangeServer) requestCount() int {
	return int(atomic.LoadInt32(&rs.requests))
}

func testConfig(schedule ...uint64) Config {
	config := DefaultConfig()
	config.ChunkSchedule = schedule
	config.AttemptPause = 0
	config.Policy = backoff.Policy{
		MaxRetries:           1,
		InitialBackoff:       time.Millisecond,
		Exponent:             2,
		RetryableStatusCodes: backoff.DefaultRetryableStatusCodes,
	}
	return config
}

func newTestUploader(store ObjectStore, config Config) *Uploader {
	tc, err := NewTransferContext(store, config, log.NewLogger())
	if err != nil {
		panic(err)
	}
	return New(tc)
}

func testContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	return content
}

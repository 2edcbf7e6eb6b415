package transfer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/firefly-vcut/go-vcut/backoff"
	"github.com/firefly-vcut/go-vcut/transfer/chunkuploader"
)

type envRepository struct {
	envVars map[string]string
}

func (repo envRepository) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	}
	return ""
}

func (repo envRepository) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo envRepository) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo envRepository) List() []string {
	var values []string
	for _, v := range repo.envVars {
		values = append(values, v)
	}
	return values
}

// memoryStore is an in-memory object store covering both multipart uploads and whole files.
type memoryStore struct {
	mu           sync.Mutex
	nextID       int
	parts        map[string]map[int][]byte
	objects      map[string][]byte
	contentTypes map[string]string
	creates      int
	aborts       int
	puts         int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		parts:        map[string]map[int][]byte{},
		objects:      map[string][]byte{},
		contentTypes: map[string]string{},
	}
}

func (s *memoryStore) CreateMultipartUpload(_ context.Context, key, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.creates++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.parts[id] = map[int][]byte{}
	s.contentTypes[key] = contentType
	return id, nil
}

func (s *memoryStore) UploadPart(_ context.Context, _, uploadID string, partNumber int, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts, ok := s.parts[uploadID]
	if !ok {
		return "", fmt.Errorf("NoSuchUpload: %s", uploadID)
	}
	parts[partNumber] = append([]byte(nil), body...)
	return fmt.Sprintf("\"etag-%d\"", partNumber), nil
}

func (s *memoryStore) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []chunkuploader.UploadedPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uploaded, ok := s.parts[uploadID]
	if !ok {
		return fmt.Errorf("NoSuchUpload: %s", uploadID)
	}
	var buf bytes.Buffer
	for _, part := range parts {
		buf.Write(uploaded[part.PartNumber])
	}
	s.objects[key] = buf.Bytes()
	delete(s.parts, uploadID)
	return nil
}

func (s *memoryStore) AbortMultipartUpload(_ context.Context, _, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aborts++
	delete(s.parts, uploadID)
	return nil
}

func (s *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.objects[key]
	return ok, nil
}

func (s *memoryStore) PutFile(_ context.Context, key, path, contentType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++
	s.objects[key] = data
	s.contentTypes[key] = contentType
	return nil
}

func (s *memoryStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type fixedProber struct {
	length uint64
	err    error
}

func (p fixedProber) ContentLength(context.Context, string, map[string]string) (uint64, error) {
	return p.length, p.err
}

type recordingTracker struct {
	mu     sync.Mutex
	events []string
	props  []analytics.Properties
	waited bool
}

func (t *recordingTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = append(t.events, eventName)
	merged := analytics.Properties{}
	for _, p := range properties {
		for k, v := range p {
			merged[k] = v
		}
	}
	t.props = append(t.props, merged)
}

func (t *recordingTracker) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waited = true
}

// mediaServer serves content under /audio with Range support and answers 404 everywhere else.
type mediaServer struct {
	*httptest.Server
	requests int32
}

func newMediaServer(content []byte) *mediaServer {
	ms := &mediaServer{}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ms.requests, 1)
		if r.URL.Path != "/audio" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, "audio.m4a", time.Time{}, bytes.NewReader(content))
	}))
	return ms
}

func (ms *mediaServer) requestCount() int {
	return int(atomic.LoadInt32(&ms.requests))
}

func testTransferContext(t *testing.T, store chunkuploader.ObjectStore) chunkuploader.TransferContext {
	config := chunkuploader.DefaultConfig()
	config.ChunkSchedule = chunkuploader.ChunkSchedule{10}
	config.AttemptPause = 0
	config.Policy = backoff.Policy{
		MaxRetries:           1,
		InitialBackoff:       time.Millisecond,
		Exponent:             2,
		RetryableStatusCodes: backoff.DefaultRetryableStatusCodes,
	}

	tc, err := chunkuploader.NewTransferContext(store, config, log.NewLogger())
	if err != nil {
		t.Fatalf("Failed to create transfer context: %s", err)
	}
	return tc
}

func testContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	return content
}

// testRecording was published at 2024-05-02 00:00 China Standard Time.
var testRecording = Recording{
	ID:      7,
	Bvid:    "BV1xx411c7mD",
	Mid:     123,
	Title:   "karaoke night",
	Pubdate: 1714579200,
}

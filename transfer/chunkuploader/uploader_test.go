package chunkuploader

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploader_TransferObject_Success(t *testing.T) {
	content := testContent(25)
	server := newRangeServer(content, nil)
	defer server.Close()

	store := newFakeStore()
	uploader := newTestUploader(store, testConfig(10))

	parts, err := uploader.TransferObject(context.Background(), "audio/1.mp4", Source{URL: server.URL, TotalLength: uint64(len(content))})
	require.NoError(t, err)

	require.Len(t, parts, 3)
	for i, part := range parts {
		assert.Equal(t, i+1, part.PartNumber)
		assert.NotEmpty(t, part.ETag)
	}
	assert.Equal(t, content, store.objects["audio/1.mp4"])
	assert.Len(t, store.callsWithPrefix("complete"), 1)
	assert.Empty(t, store.callsWithPrefix("abort"))
}

func TestUploader_TransferObject_SendsHeaders(t *testing.T) {
	content := testContent(12)
	server := newRangeServer(content, func(r *http.Request) bool {
		return r.Header.Get("Cookie") != "SESSDATA=secret"
	})
	defer server.Close()

	store := newFakeStore()
	uploader := newTestUploader(store, testConfig(Unchunked))

	source := Source{URL: server.URL, TotalLength: uint64(len(content)), Headers: map[string]string{"Cookie": "SESSDATA=secret"}}
	_, err := uploader.TransferObject(context.Background(), "key", source)
	require.NoError(t, err)
	assert.Equal(t, content, store.objects["key"])
}

func TestUploader_TransferObject_DropsEmptyTrailingRange(t *testing.T) {
	content := testContent(22)
	server := newRangeServer(content, nil)
	defer server.Close()

	store := newFakeStore()
	uploader := newTestUploader(store, testConfig(10))

	parts, err := uploader.TransferObject(context.Background(), "key", Source{URL: server.URL, TotalLength: uint64(len(content))})
	require.NoError(t, err)

	assert.Len(t, parts, 2)
	assert.Equal(t, content, store.objects["key"])
}

func TestUploader_TransferObject_DegradesChunkSize(t *testing.T) {
	content := testContent(64 * units.MiB)
	// Any range of 10 MiB or more fails; only the whole-body stream succeeds.
	server := newRangeServer(content, func(r *http.Request) bool {
		return r.Header.Get("Range") != "bytes=0-"
	})
	defer server.Close()

	store := newFakeStore()
	config := testConfig(20*units.MiB, 50*units.MiB, Unchunked)
	uploader := newTestUploader(store, config)

	session := uploader.NewSession("audio/big.mp4", Source{URL: server.URL, TotalLength: uint64(len(content))})
	parts, err := session.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, parts, 1)
	assert.Equal(t, StateCompleted, session.State())
	assert.Len(t, store.callsWithPrefix("create"), 3)
	assert.Len(t, store.callsWithPrefix("abort"), 2)
	assert.Len(t, store.callsWithPrefix("complete"), 1)
	assert.Equal(t, len(content), len(store.objects["audio/big.mp4"]))

	attempts := session.Attempts()
	require.Len(t, attempts, 3)
	assert.Equal(t, StateAborted, attempts[0].State)
	assert.Equal(t, StateAborted, attempts[1].State)
	assert.Equal(t, StateCompleted, attempts[2].State)
	assert.Equal(t, uint64(Unchunked), attempts[2].ChunkSize)
}

func TestUploader_TransferObject_AllAttemptsFail(t *testing.T) {
	server := newRangeServer(testContent(30), func(r *http.Request) bool { return true })
	defer server.Close()

	store := newFakeStore()
	uploader := newTestUploader(store, testConfig(10, Unchunked))

	_, err := uploader.TransferObject(context.Background(), "key", Source{URL: server.URL, TotalLength: 30})
	require.Error(t, err)

	var failed *TransferFailed
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "key", failed.Key)
	assert.Len(t, failed.Attempts, 2)

	var fault *ChunkTransferFault
	require.True(t, errors.As(err, &fault))

	assert.Len(t, store.callsWithPrefix("abort"), 2)
	assert.Empty(t, store.callsWithPrefix("complete"))
	exists, err := store.Exists(context.Background(), "key")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUploader_TransferObject_SourceShorterThanTotalLength(t *testing.T) {
	content := testContent(25)
	server := newRangeServer(content[:20], nil)
	defer server.Close()

	store := newFakeStore()
	uploader := newTestUploader(store, testConfig(Unchunked))

	_, err := uploader.TransferObject(context.Background(), "key", Source{URL: server.URL, TotalLength: uint64(len(content))})
	require.Error(t, err)

	var failed *TransferFailed
	require.True(t, errors.As(err, &failed))
	assert.Len(t, failed.Attempts, 1)
	assert.Equal(t, 2, server.requestCount())

	assert.Len(t, store.callsWithPrefix("abort"), 1)
	assert.Empty(t, store.callsWithPrefix("complete"))
	exists, err := store.Exists(context.Background(), "key")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUploader_TransferObject_RetriesWithinPolicy(t *testing.T) {
	content := testContent(20)
	failures := map[string]int{}
	server := newRangeServer(content, func(r *http.Request) bool {
		rng := r.Header.Get("Range")
		failures[rng]++
		return failures[rng] == 1
	})
	defer server.Close()

	store := newFakeStore()
	config := testConfig(Unchunked)
	config.Policy.MaxRetries = 1
	uploader := newTestUploader(store, config)

	_, err := uploader.TransferObject(context.Background(), "key", Source{URL: server.URL, TotalLength: uint64(len(content))})
	require.NoError(t, err)

	assert.Equal(t, 2, server.requestCount())
	assert.Len(t, store.callsWithPrefix("create"), 1)
}

func TestUploader_TransferObject_NoUploadAfterAbort(t *testing.T) {
	content := testContent(200)
	server := newRangeServer(content, nil)
	defer server.Close()

	store := newFakeStore()
	store.uploadPartErr = func(partNumber int) error {
		if partNumber == 3 {
			return errors.New("InternalError")
		}
		return nil
	}
	uploader := newTestUploader(store, testConfig(9))

	_, err := uploader.TransferObject(context.Background(), "key", Source{URL: server.URL, TotalLength: uint64(len(content))})
	require.Error(t, err)

	calls := store.allCalls()
	aborted := false
	for _, call := range calls {
		if strings.HasPrefix(call, "abort") {
			aborted = true
			continue
		}
		if aborted {
			assert.False(t, strings.HasPrefix(call, "part") || strings.HasPrefix(call, "complete"),
				"%q issued after abort", call)
		}
	}
	assert.True(t, aborted)
	assert.Empty(t, store.callsWithPrefix("complete"))
}

func TestUploader_TransferObject_Timeout(t *testing.T) {
	server := newRangeServer(testContent(10), func(r *http.Request) bool {
		time.Sleep(500 * time.Millisecond)
		return false
	})
	defer server.Close()

	store := newFakeStore()
	config := testConfig(Unchunked, Unchunked)
	config.Timeout = 50 * time.Millisecond
	uploader := newTestUploader(store, config)

	_, err := uploader.TransferObject(context.Background(), "key", Source{URL: server.URL, TotalLength: 10})
	require.Error(t, err)

	var failed *TransferFailed
	require.True(t, errors.As(err, &failed))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, failed.Attempts, 1, "an expired budget stops the schedule")
	assert.Len(t, store.callsWithPrefix("abort"), 1)
	assert.Empty(t, store.callsWithPrefix("complete"))
}

func TestUploader_TransferIfAbsent_SkipsExistingObject(t *testing.T) {
	server := newRangeServer(testContent(10), nil)
	defer server.Close()

	store := newFakeStore()
	store.objects["audio/1.mp4"] = []byte("already there")
	uploader := newTestUploader(store, testConfig(4))

	skipped, parts, err := uploader.TransferIfAbsent(context.Background(), "audio/1.mp4", Source{URL: server.URL, TotalLength: 10})
	require.NoError(t, err)

	assert.True(t, skipped)
	assert.Empty(t, parts)
	assert.Equal(t, 0, server.requestCount())
	assert.Empty(t, store.allCalls())
}

func TestUploader_TransferIfAbsent_TransfersMissingObject(t *testing.T) {
	content := testContent(10)
	server := newRangeServer(content, nil)
	defer server.Close()

	store := newFakeStore()
	uploader := newTestUploader(store, testConfig(4))

	skipped, parts, err := uploader.TransferIfAbsent(context.Background(), "audio/1.mp4", Source{URL: server.URL, TotalLength: 10})
	require.NoError(t, err)

	assert.False(t, skipped)
	assert.Len(t, parts, 2)
	assert.Equal(t, content, store.objects["audio/1.mp4"])
}

func TestNewTransferContext_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Concurrency = 0

	_, err := NewTransferContext(newFakeStore(), config, nil)
	require.Error(t, err)

	_, err = NewTransferContext(nil, DefaultConfig(), nil)
	require.Error(t, err)
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		StatePending:    "pending",
		StateInProgress: "in-progress",
		StateCompleted:  "completed",
		StateAborted:    "aborted",
	} {
		assert.Equal(t, want, state.String(), strconv.Itoa(int(state)))
	}
}

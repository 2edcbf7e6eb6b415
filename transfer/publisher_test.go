package transfer

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/firefly-vcut/go-vcut/compression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nativeOnly struct{}

func (nativeOnly) CheckDependencies() bool {
	return false
}

const segmentsJSON = `[[{"start":0.5,"text":"hello"},{"start":2,"text":"world"}]]`

func writeRecordingDir(t *testing.T, root, mid, dirName, meta string) string {
	dir := filepath.Join(root, mid, "2024", "05", dirName)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if meta != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), []byte(meta), 0644))
	}
	path := filepath.Join(dir, "segments.json")
	require.NoError(t, os.WriteFile(path, []byte(segmentsJSON), 0644))
	return path
}

const testMeta = `{"bvid":"BV1xx411c7mD","title":"karaoke night","pubdate":1714579200,"cover":"http://i0.hdslb.com/cover.jpg","duration":7200}`

func newTestPublisher(store *memoryStore, compress bool) *TranscriptPublisher {
	logger := log.NewLogger()
	envRepo := envRepository{envVars: map[string]string{}}
	codec := compression.NewCodec(logger, envRepo, nativeOnly{})
	return NewTranscriptPublisher(store, codec, envRepo, PublisherConfig{Compress: compress}, logger)
}

func TestPublish(t *testing.T) {
	root := t.TempDir()
	writeRecordingDir(t, root, "123", "2024-05-02_00-00-00_BV1xx411c7mD", testMeta)
	writeRecordingDir(t, root, "123", "2024-05-03_20-00-00_BV1nometa", "")

	store := newMemoryStore()
	published, err := newTestPublisher(store, false).Publish(context.Background(), root)
	require.NoError(t, err)

	want := []PublishedTranscript{{
		Bvid:     "BV1xx411c7mD",
		Key:      "transcripts/123/2024/05/02/BV1xx411c7mD.json",
		Uploaded: true,
	}}
	assert.Equal(t, want, published)
	assert.Equal(t, []byte(segmentsJSON), store.objects["transcripts/123/2024/05/02/BV1xx411c7mD.json"])
	assert.Equal(t, "application/json", store.contentTypes["transcripts/123/2024/05/02/BV1xx411c7mD.json"])
}

func TestPublish_SkipsExistingKeys(t *testing.T) {
	root := t.TempDir()
	writeRecordingDir(t, root, "123", "2024-05-02_00-00-00_BV1xx411c7mD", testMeta)

	store := newMemoryStore()
	store.objects["transcripts/123/2024/05/02/BV1xx411c7mD.json"] = []byte("[]")

	published, err := newTestPublisher(store, false).Publish(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, published, 1)
	assert.False(t, published[0].Uploaded)
	assert.Equal(t, 0, store.puts)
	assert.Equal(t, []byte("[]"), store.objects["transcripts/123/2024/05/02/BV1xx411c7mD.json"])
}

func TestPublish_Compressed(t *testing.T) {
	root := t.TempDir()
	writeRecordingDir(t, root, "123", "2024-05-02_00-00-00_BV1xx411c7mD", testMeta)

	store := newMemoryStore()
	published, err := newTestPublisher(store, true).Publish(context.Background(), root)
	require.NoError(t, err)

	key := "transcripts/123/2024/05/02/BV1xx411c7mD.json.zst"
	require.Len(t, published, 1)
	assert.Equal(t, key, published[0].Key)
	assert.Equal(t, "application/zstd", store.contentTypes[key])

	reader, err := compression.NewReader(bytes.NewReader(store.objects[key]))
	require.NoError(t, err)
	defer reader.Close()
	decompressed, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, segmentsJSON, string(decompressed))
}

func TestPublish_ContinuesAfterFailure(t *testing.T) {
	root := t.TempDir()
	writeRecordingDir(t, root, "123", "2024-05-02_00-00-00_BV1xx411c7mD", testMeta)
	writeRecordingDir(t, root, "not-a-mid", "2024-05-02_00-00-00_BV1other", `{"bvid":"BV1other","pubdate":1714579200}`)
	writeRecordingDir(t, root, "456", "2024-05-04_00-00-00_BV1broken", `{"bvid":`)

	store := newMemoryStore()
	published, err := newTestPublisher(store, false).Publish(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mid directory")
	assert.Contains(t, err.Error(), "decode")

	require.Len(t, published, 1)
	assert.Equal(t, "BV1xx411c7mD", published[0].Bvid)
	assert.Equal(t, []string{"transcripts/123/2024/05/02/BV1xx411c7mD.json"}, store.keys())
}

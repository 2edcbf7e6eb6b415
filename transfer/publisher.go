package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/firefly-vcut/go-vcut/compression"
	"github.com/firefly-vcut/go-vcut/occurrence"
)

const plainTranscriptPattern = "**/segments.json"

// FileStore stores local files.
type FileStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	PutFile(ctx context.Context, key, path, contentType string) error
}

// PublishedTranscript is a transcript present in the store.
type PublishedTranscript struct {
	Bvid     string
	Key      string
	Uploaded bool
}

// recordingMeta is the meta.json written next to every local transcript.
type recordingMeta struct {
	Bvid     string `json:"bvid"`
	Title    string `json:"title"`
	Pubdate  int64  `json:"pubdate"`
	Cover    string `json:"cover"`
	Duration int64  `json:"duration"`
}

// PublisherConfig ...
type PublisherConfig struct {
	KeyTemplate string
	// Compress stores transcripts zstd compressed under the key with a .zst suffix.
	Compress bool
}

// TranscriptPublisher uploads the transcripts of a local transcript tree.
type TranscriptPublisher struct {
	store       FileStore
	codec       *compression.Codec
	keys        KeyTemplate
	keyTemplate string
	compress    bool
	logger      log.Logger
}

// NewTranscriptPublisher ...
func NewTranscriptPublisher(store FileStore, codec *compression.Codec, envRepo env.Repository, config PublisherConfig, logger log.Logger) *TranscriptPublisher {
	keyTemplate := config.KeyTemplate
	if keyTemplate == "" {
		keyTemplate = DefaultTranscriptKeyTemplate
	}

	return &TranscriptPublisher{
		store:       store,
		codec:       codec,
		keys:        NewKeyTemplate(envRepo, logger),
		keyTemplate: keyTemplate,
		compress:    config.Compress && codec != nil,
		logger:      logger,
	}
}

// Publish uploads every transcript stored as <root>/<mid>/<year>/<month>/<recording>/segments.json, skipping keys
// that already exist. Transcripts without a meta.json are ignored. A failed transcript does not stop the others.
func (p *TranscriptPublisher) Publish(ctx context.Context, root string) ([]PublishedTranscript, error) {
	paths, err := occurrence.DiscoverTranscripts(root, plainTranscriptPattern)
	if err != nil {
		return nil, fmt.Errorf("discover transcripts: %w", err)
	}

	var published []PublishedTranscript
	var errs []error
	for _, path := range paths {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		transcript, err := p.publish(ctx, root, path)
		if err != nil {
			p.logger.Errorf("Failed to publish %s: %s", path, err)
			errs = append(errs, fmt.Errorf("publish %s: %w", path, err))
			continue
		}
		if transcript != nil {
			published = append(published, *transcript)
		}
	}

	return published, errors.Join(errs...)
}

func (p *TranscriptPublisher) publish(ctx context.Context, root, path string) (*PublishedTranscript, error) {
	recording, err := readRecordingMeta(root, path)
	if err != nil {
		return nil, err
	}
	if recording == nil {
		p.logger.Debugf("No meta.json next to %s, skipping", path)
		return nil, nil
	}

	key, err := p.keys.Evaluate(p.keyTemplate, *recording, 0)
	if err != nil {
		return nil, fmt.Errorf("evaluate object key: %w", err)
	}
	contentType := "application/json"
	if p.compress {
		key += compression.Extension
		contentType = "application/zstd"
	}

	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check object %s: %w", key, err)
	}
	if exists {
		p.logger.Printf("Object %s already exists, skipping", key)
		return &PublishedTranscript{Bvid: recording.Bvid, Key: key}, nil
	}

	uploadPath := path
	if p.compress {
		compressed, err := os.CreateTemp("", "segments-*.json.zst")
		if err != nil {
			return nil, fmt.Errorf("create temp file: %w", err)
		}
		compressed.Close()                 //nolint:errcheck
		defer os.Remove(compressed.Name()) //nolint:errcheck

		if err := p.codec.CompressFile(path, compressed.Name()); err != nil {
			return nil, err
		}
		uploadPath = compressed.Name()
	}

	if err := p.store.PutFile(ctx, key, uploadPath, contentType); err != nil {
		return nil, err
	}
	p.logger.Donef("Uploaded %s", key)

	return &PublishedTranscript{Bvid: recording.Bvid, Key: key, Uploaded: true}, nil
}

// readRecordingMeta reads the meta.json next to a transcript. The mid is the first directory below root.
func readRecordingMeta(root, transcriptPath string) (*Recording, error) {
	metaPath := filepath.Join(filepath.Dir(transcriptPath), "meta.json")
	data, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}

	var meta recordingMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode %s: %w", metaPath, err)
	}

	rel, err := filepath.Rel(root, transcriptPath)
	if err != nil {
		return nil, fmt.Errorf("relative path of %s: %w", transcriptPath, err)
	}
	midDir := strings.Split(filepath.ToSlash(rel), "/")[0]
	mid, err := strconv.ParseInt(midDir, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid mid directory %q: %w", midDir, err)
	}

	return &Recording{
		Bvid:    meta.Bvid,
		Mid:     mid,
		Title:   meta.Title,
		Pubdate: meta.Pubdate,
	}, nil
}

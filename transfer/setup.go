package transfer

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	runanalytics "github.com/firefly-vcut/go-vcut/analytics"
	"github.com/firefly-vcut/go-vcut/compression"
	"github.com/firefly-vcut/go-vcut/config"
	"github.com/firefly-vcut/go-vcut/occurrence"
	"github.com/firefly-vcut/go-vcut/transfer/chunkuploader"
	"github.com/firefly-vcut/go-vcut/transfer/network"
)

const pageDownloadConcurrency = 4

// Job holds everything a transfer run needs, built once from the process configuration.
type Job struct {
	Store     *network.S3Store
	Source    *network.SourceClient
	Streamer  *Streamer
	Publisher *TranscriptPublisher
	Scanner   *occurrence.Scanner
	// Headers are sent with every request to the media source.
	Headers map[string]string

	logger log.Logger
}

// NewFromConfig ...
func NewFromConfig(ctx context.Context, cfg config.Config, envRepo env.Repository, logger log.Logger) (*Job, error) {
	uploaderConfig, err := cfg.ChunkUploaderConfig()
	if err != nil {
		return nil, err
	}

	store, err := network.NewS3Store(ctx, network.S3Params{
		Endpoint:        cfg.R2Endpoint,
		Region:          cfg.R2Region,
		Bucket:          cfg.R2Bucket,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: string(cfg.SecretAccessKey),
		UsePathStyle:    cfg.R2UsePathStyle,
		HeadRetryWait:   cfg.R2HeadRetryWait,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}

	tc, err := chunkuploader.NewTransferContext(store, uploaderConfig, logger)
	if err != nil {
		return nil, err
	}

	source := network.NewSourceClient(cfg.HTTPPolicy(), logger)

	var tracker analytics.Tracker
	if cfg.AnalyticsEnabled {
		tracker, err = runanalytics.NewDefaultRunTracker(envRepo, cfg.R2Bucket, logger)
		if err != nil {
			logger.Warnf("Analytics disabled: %s", err)
		}
	}

	codec := compression.NewCodec(logger, envRepo, compression.NewBinaryChecker(logger, envRepo))

	return &Job{
		Store:     store,
		Source:    source,
		Streamer:  NewStreamer(tc, source, envRepo, StreamerConfig{Tracker: tracker}),
		Publisher: NewTranscriptPublisher(store, codec, envRepo, PublisherConfig{Compress: cfg.CompressTranscripts}, logger),
		Scanner:   occurrence.NewScanner(cfg.OccurrenceThreshold, logger),
		Headers:   SourceHeaders(string(cfg.Sessdata)),
		logger:    logger,
	}, nil
}

// DownloadPage stores a local copy of page at dest, for tools that need the audio on disk.
func (j *Job) DownloadPage(ctx context.Context, page Page, dest string) error {
	headers := page.Headers
	if headers == nil {
		headers = j.Headers
	}

	return network.DownloadFile(ctx, j.Source.StandardClient(), network.DownloadParams{
		URL:         page.SourceURL,
		Headers:     headers,
		Destination: dest,
		Concurrency: pageDownloadConcurrency,
	}, j.logger)
}

// Close flushes analytics and releases idle connections.
func (j *Job) Close() {
	j.Streamer.Close()
}

// Package analytics creates the event tracker of a transfer run.
package analytics

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory ...
type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	RunIDEnvKey = "VCUT_RUN_ID"
	RunID       = "run_id"
	Bucket      = "bucket"
)

// NewRunTracker returns a tracker whose events carry the run id and the destination bucket.
func NewRunTracker(repository env.Repository, bucket string, trackerFactory TrackerFactory) (analytics.Tracker, error) {
	runID := repository.Get(RunIDEnvKey)
	if runID == "" {
		return nil, fmt.Errorf("no run ID found")
	}
	return trackerFactory(analytics.Properties{RunID: runID, Bucket: bucket}), nil
}

// NewDefaultRunTracker ...
func NewDefaultRunTracker(repository env.Repository, bucket string, logger log.Logger) (analytics.Tracker, error) {
	return NewRunTracker(repository, bucket, func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	})
}

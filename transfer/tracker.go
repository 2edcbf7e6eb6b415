package transfer

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

type pageTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newPageTracker(tracker analytics.Tracker, logger log.Logger) pageTracker {
	if tracker == nil {
		tracker = noopTracker{}
	}
	return pageTracker{
		tracker: tracker,
		logger:  logger,
	}
}

func (t *pageTracker) logPageSkipped(recording Recording, page int) {
	properties := analytics.Properties{
		"bvid": recording.Bvid,
		"page": page,
	}
	t.tracker.Enqueue("page_transfer_skipped", properties)
}

func (t *pageTracker) logPageTransferred(recording Recording, page int, transferTime time.Duration, size uint64, attempts int) {
	properties := analytics.Properties{
		"bvid":                recording.Bvid,
		"page":                page,
		"transfer_time_s":     transferTime.Truncate(time.Second).Seconds(),
		"transfer_size_bytes": size,
		"attempt_count":       attempts,
	}
	t.tracker.Enqueue("page_transferred", properties)
}

func (t *pageTracker) logPageFailed(recording Recording, page int, transferTime time.Duration, err error) {
	properties := analytics.Properties{
		"bvid":            recording.Bvid,
		"page":            page,
		"transfer_time_s": transferTime.Truncate(time.Second).Seconds(),
		"error":           err.Error(),
	}
	t.tracker.Enqueue("page_transfer_failed", properties)
}

func (t *pageTracker) wait() {
	t.tracker.Wait()
}

type noopTracker struct{}

func (noopTracker) Enqueue(string, ...analytics.Properties) {}

func (noopTracker) Wait() {}

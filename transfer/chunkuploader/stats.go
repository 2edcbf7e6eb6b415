package chunkuploader

import (
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
)

// Stats tracks chunk transfer throughput for progress reporting.
type Stats struct {
	sum            time.Duration
	finishedChunks int64
	bytes          int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a finished chunk transfer.
func (s *Stats) Update(d time.Duration, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
	s.bytes += int64(size)
}

// Average returns the average duration of finished chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of finished chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// Bytes returns the number of bytes transferred by finished chunks.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg time.Duration
	if s.finishedChunks > 0 {
		avg = s.sum / time.Duration(s.finishedChunks)
	}

	return fmt.Sprintf("[finished=%d][bytes=%s][avg=%s]",
		s.finishedChunks, units.HumanSizeWithPrecision(float64(s.bytes), 3), avg.Round(time.Millisecond))
}

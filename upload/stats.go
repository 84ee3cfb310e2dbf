package upload

import (
	"sync"
	"time"
)

// Stats tracks the timing of successful chunk uploads.
type Stats struct {
	mu       sync.Mutex
	sum      time.Duration
	finished int64
	bytes    int64
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{}
}

// Record adds one successful chunk upload of size bytes that took d.
func (s *Stats) Record(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
	s.bytes += size
}

// Average returns the average chunk upload duration.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount returns the number of chunks uploaded by this process.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Bytes returns the number of bytes uploaded by this process.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// TotalDuration returns the sum of all chunk upload durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

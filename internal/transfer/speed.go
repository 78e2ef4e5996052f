package transfer

import (
	"sync"
	"time"
)

const (
	// DefaultSpeedInterval is how often the smoothed speed is recomputed.
	DefaultSpeedInterval = 500 * time.Millisecond

	recentWeight = 0.7
)

// SpeedEstimator tracks bytes copied and keeps a smoothed bytes/second rate.
// The rate only moves once per interval so bursty chunk timing does not
// make it jitter.
type SpeedEstimator struct {
	mu        sync.Mutex
	interval  time.Duration
	now       func() time.Time
	lastAt    time.Time
	lastBytes int64
	bytes     int64
	rate      float64
}

// NewSpeedEstimator returns an estimator; a nil now uses time.Now.
func NewSpeedEstimator(interval time.Duration, now func() time.Time) *SpeedEstimator {
	if interval <= 0 {
		interval = DefaultSpeedInterval
	}
	if now == nil {
		now = time.Now
	}
	return &SpeedEstimator{
		interval: interval,
		now:      now,
		lastAt:   now(),
	}
}

// Add records n more bytes and returns the current rate.
func (s *SpeedEstimator) Add(n int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.bytes += int64(n)
	}
	now := s.now()
	elapsed := now.Sub(s.lastAt)
	if elapsed < s.interval {
		return s.rate
	}
	measured := float64(s.bytes-s.lastBytes) / elapsed.Seconds()
	s.rate = recentWeight*measured + (1-recentWeight)*s.rate
	s.lastAt = now
	s.lastBytes = s.bytes
	return s.rate
}

// Rate returns the last computed rate in bytes/second.
func (s *SpeedEstimator) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Bytes returns the total recorded so far.
func (s *SpeedEstimator) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

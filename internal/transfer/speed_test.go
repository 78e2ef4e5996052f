package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSpeedEstimator(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := NewSpeedEstimator(500*time.Millisecond, clock.now)

	clock.advance(250 * time.Millisecond)
	assert.Zero(t, s.Add(500000), "not recomputed inside the interval")

	clock.advance(250 * time.Millisecond)
	// 1,000,000 bytes over 0.5s
	assert.InDelta(t, 0.7*2000000, s.Add(500000), 0.001)

	clock.advance(time.Second)
	// 1,000,000 bytes over 1s
	assert.InDelta(t, 0.7*1000000+0.3*1400000, s.Add(1000000), 0.001)

	clock.advance(100 * time.Millisecond)
	assert.InDelta(t, 1120000, s.Add(1<<30), 0.001, "chunk bursts do not move the rate")
	assert.InDelta(t, 1120000, s.Rate(), 0.001)
	assert.EqualValues(t, 2000000+1<<30, s.Bytes())
}

func TestSpeedEstimator_Idle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := NewSpeedEstimator(0, clock.now)

	clock.advance(DefaultSpeedInterval)
	s.Add(1000)
	rate := s.Rate()
	assert.Positive(t, rate)

	clock.advance(DefaultSpeedInterval)
	assert.InDelta(t, 0.3*rate, s.Add(0), 0.001, "rate decays while stalled")
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{Completed, "Completed"},
		{CompletedWithErrors, "CompletedWithErrors"},
		{Cancelled, "Cancelled"},
		{Failed, "Failed"},
		{Status(9), "Status(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Status.String() = %q, want %q", got, tt.want)
		}
	}
}

package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/0xMgwan/betuaa-sub000/pkg/logger"
)

func newTestBreaker(enabled bool) (*CircuitBreaker, *time.Time) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(enabled, 3, time.Minute, 5*time.Minute, &logger.EmptyLogger{})
	cb.SetClock(func() time.Time { return now })
	return cb, &now
}

func TestTripsAtThreshold(t *testing.T) {
	cb, now := newTestBreaker(true)

	assert.False(t, cb.RecordFailure())
	*now = now.Add(10 * time.Second)
	assert.False(t, cb.RecordFailure())
	*now = now.Add(10 * time.Second)
	assert.True(t, cb.RecordFailure())
	assert.True(t, cb.IsOpen())

	state := cb.GetState()
	assert.True(t, state.Open)
	assert.Equal(t, 3, state.FailureCount)
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	cb, now := newTestBreaker(true)

	for i := 0; i < 5; i++ {
		assert.False(t, cb.RecordFailure())
		*now = now.Add(2 * time.Minute)
	}
	assert.False(t, cb.IsOpen())
}

func TestResetsAfterTimeout(t *testing.T) {
	cb, now := newTestBreaker(true)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.IsOpen())

	*now = now.Add(4 * time.Minute)
	assert.True(t, cb.IsOpen())

	*now = now.Add(2 * time.Minute)
	assert.False(t, cb.IsOpen())
	assert.Zero(t, cb.GetState().FailureCount)
}

func TestManualResetAndSuccess(t *testing.T) {
	cb, _ := newTestBreaker(true)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.False(t, cb.RecordFailure(), "success clears the count")

	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
	cb.Reset()
	assert.False(t, cb.IsOpen())
}

func TestDisabledNeverTrips(t *testing.T) {
	cb, _ := newTestBreaker(false)
	for i := 0; i < 10; i++ {
		assert.False(t, cb.RecordFailure())
	}
	assert.False(t, cb.IsOpen())
	assert.False(t, cb.IsEnabled())
}

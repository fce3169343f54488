package circuitbreaker

import (
	"sync"
	"time"

	"github.com/0xMgwan/betuaa-sub000/pkg/logger"
	"github.com/0xMgwan/betuaa-sub000/pkg/metrics"
)

// State is a point-in-time view of the breaker
type State struct {
	Enabled       bool      `json:"enabled"`
	Open          bool      `json:"open"`
	FailureCount  int       `json:"failure_count"`
	FailThreshold int       `json:"fail_threshold"`
	FailureWindow string    `json:"failure_window"`
	ResetTimeout  string    `json:"reset_timeout"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	TripTime      time.Time `json:"trip_time,omitempty"`
}

// CircuitBreaker pauses the scheduler after repeated cycle failures
type CircuitBreaker struct {
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	now           func() time.Time
	logger        logger.Logger
	mu            sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(enabled bool, threshold int, window time.Duration, resetTimeout time.Duration, log logger.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		now:           time.Now,
		logger:        log,
	}
}

// SetClock replaces the time source
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// RecordFailure records a failure and trips the circuit if threshold is exceeded
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.tripped {
		if now.Sub(cb.tripTime) > cb.resetTimeout {
			cb.logger.Info("Circuit breaker: attempting to reset after timeout")
			cb.close()
		} else {
			return true
		}
	}

	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		metrics.CircuitState.Set(1)
		cb.logger.Notice("Circuit breaker tripped: %d failures in %s, pausing for %s",
			cb.failureCount, cb.failureWindow, cb.resetTimeout)
		return true
	}

	return false
}

// RecordSuccess clears the failure count of a closed circuit
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped && cb.now().Sub(cb.tripTime) > cb.resetTimeout {
		cb.logger.Info("Circuit breaker: reset timeout elapsed")
		cb.close()
		return false
	}

	return cb.tripped
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.close()
	cb.logger.Info("Circuit breaker manually reset")
}

func (cb *CircuitBreaker) close() {
	cb.tripped = false
	cb.failureCount = 0
	metrics.CircuitState.Set(0)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return State{
		Enabled:       cb.enabled,
		Open:          cb.tripped,
		FailureCount:  cb.failureCount,
		FailThreshold: cb.failThreshold,
		FailureWindow: cb.failureWindow.String(),
		ResetTimeout:  cb.resetTimeout.String(),
		LastFailure:   cb.lastFailure,
		TripTime:      cb.tripTime,
	}
}

// IsEnabled returns true if the circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.enabled
}

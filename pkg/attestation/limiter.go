package attestation

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces requests to the price service
type Limiter interface {
	Wait(ctx context.Context) error
}

// NoLimit never waits
type NoLimit struct{}

// Wait returns immediately
func (NoLimit) Wait(context.Context) error { return nil }

// LocalLimiter is a token bucket allowing limit requests per window
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter creates a limiter allowing limit requests per window with
// bursts of up to limit
func NewLocalLimiter(limit int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
	}
}

// Wait blocks until a request is allowed or ctx is done
func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

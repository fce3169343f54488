// Package lock guards a market against being worked by two keepers at once.
package lock

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrLockHeld is returned when another holder owns the lock
var ErrLockHeld = errors.New("lock: held by another keeper")

// Locker acquires a named lock. The returned unlock func is safe to call
// more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// MarketKey returns the lock key of a market
func MarketKey(marketID uint64) string {
	return "market:" + strconv.FormatUint(marketID, 10)
}

// Noop is a Locker that always succeeds, used by single-process deployments
type Noop struct{}

// Acquire always succeeds
func (Noop) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

var _ Locker = Noop{}

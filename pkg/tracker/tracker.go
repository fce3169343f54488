// Package tracker records resolution attempts per market and decides when a
// market may be tried again.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xMgwan/betuaa-sub000/pkg/metrics"
)

// Status is the state of one resolution attempt
type Status string

const (
	StatusPending         Status = "pending"
	StatusSubmitted       Status = "submitted"
	StatusConfirmed       Status = "confirmed"
	StatusFailedTransient Status = "failed-transient"
	StatusFailedTerminal  Status = "failed-terminal"
)

// Reasons recorded when a market leaves the candidate set
const (
	ReasonConfirmed         = "confirmed"
	ReasonResolvedElsewhere = "resolved_elsewhere"
	ReasonMaxAttempts       = "max_attempts"
	ReasonFeedUnavailable   = "feed_unavailable"
)

// ErrNotFound is returned by stores for unknown markets
var ErrNotFound = errors.New("market not tracked")

// Attempt is one traversal of the resolution pipeline for a market
type Attempt struct {
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	ErrorType string    `json:"error_type,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
}

// MarketState is everything the tracker knows about one market
type MarketState struct {
	MarketID          uint64    `json:"market_id"`
	AttemptCount      int       `json:"attempt_count"`
	LastAttempt       Attempt   `json:"last_attempt"`
	TransientFailures int       `json:"transient_failures"`
	UnclearFailures   int       `json:"unclear_failures"`
	RetryAfter        time.Time `json:"retry_after"`
	ExcludedUntil     time.Time `json:"excluded_until"`
	Permanent         bool      `json:"permanent"`
	Reason            string    `json:"reason,omitempty"`
	NoDataStreak      int       `json:"no_data_streak"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PendingTx returns the hash of a submitted transaction whose outcome is
// still unknown, or "" if there is none
func (s MarketState) PendingTx() string {
	if s.LastAttempt.Status == StatusSubmitted {
		return s.LastAttempt.TxHash
	}
	return ""
}

// Store persists market states
type Store interface {
	Get(ctx context.Context, marketID uint64) (MarketState, error)
	Put(ctx context.Context, state MarketState) error
	List(ctx context.Context) ([]MarketState, error)
	Close() error
}

// Policy holds the retry rules. MaxAttempts bounds unclear failures only;
// every other retryable failure just grows the backoff up to BackoffMax.
type Policy struct {
	MaxAttempts          int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	TerminalCooldown     time.Duration
	FeedUnavailableAfter int
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:          10,
		BackoffBase:          10 * time.Second,
		BackoffMax:           2 * time.Minute,
		TerminalCooldown:     time.Hour,
		FeedUnavailableAfter: 30,
	}
}

// CalculateBackoff returns the wait after the given number of consecutive
// transient failures: base doubling per failure, capped at max
func (p Policy) CalculateBackoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	backoff := p.BackoffBase
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if backoff > p.BackoffMax {
		return p.BackoffMax
	}
	return backoff
}

// Tracker owns the attempt history of every market
type Tracker struct {
	store  Store
	policy Policy
	now    func() time.Time
	logger zerolog.Logger

	mu sync.Mutex
}

// New creates a tracker on top of store
func New(store Store, policy Policy, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		policy: policy,
		now:    time.Now,
		logger: logger.With().Str("component", "tracker").Logger(),
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Policy returns the retry rules in use
func (t *Tracker) Policy() Policy {
	return t.policy
}

func (t *Tracker) load(ctx context.Context, marketID uint64) (MarketState, error) {
	state, err := t.store.Get(ctx, marketID)
	if errors.Is(err, ErrNotFound) {
		return MarketState{MarketID: marketID}, nil
	}
	if err != nil {
		return MarketState{}, fmt.Errorf("tracker: load market %d: %w", marketID, err)
	}
	return state, nil
}

func (t *Tracker) save(ctx context.Context, state MarketState) error {
	state.UpdatedAt = t.now()
	if err := t.store.Put(ctx, state); err != nil {
		return fmt.Errorf("tracker: save market %d: %w", state.MarketID, err)
	}
	return nil
}

// update loads, mutates and saves a market state under the tracker lock
func (t *Tracker) update(ctx context.Context, marketID uint64, fn func(*MarketState, time.Time)) (MarketState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx, marketID)
	if err != nil {
		return MarketState{}, err
	}
	fn(&state, t.now())
	if err := t.save(ctx, state); err != nil {
		return MarketState{}, err
	}
	return state, nil
}

// Get returns the state of a market; unknown markets yield a zero state
func (t *Tracker) Get(ctx context.Context, marketID uint64) (MarketState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(ctx, marketID)
}

// Eligible reports whether the market may be worked now, and why not
func (t *Tracker) Eligible(ctx context.Context, marketID uint64) (bool, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx, marketID)
	if err != nil {
		return false, "", err
	}
	now := t.now()

	switch {
	case state.Permanent:
		return false, state.Reason, nil
	case now.Before(state.ExcludedUntil):
		return false, fmt.Sprintf("%s until %s", state.Reason, state.ExcludedUntil.UTC().Format(time.RFC3339)), nil
	case now.Before(state.RetryAfter):
		return false, fmt.Sprintf("backoff until %s", state.RetryAfter.UTC().Format(time.RFC3339)), nil
	}
	return true, "", nil
}

// Begin opens a new attempt. Attempt numbers start at 1 and only grow.
func (t *Tracker) Begin(ctx context.Context, marketID uint64) (Attempt, error) {
	state, err := t.update(ctx, marketID, func(s *MarketState, now time.Time) {
		s.AttemptCount++
		s.NoDataStreak = 0
		s.LastAttempt = Attempt{
			Number:    s.AttemptCount,
			StartedAt: now,
			UpdatedAt: now,
			Status:    StatusPending,
		}
	})
	if err != nil {
		return Attempt{}, err
	}
	metrics.ResolutionAttempts.Inc()
	return state.LastAttempt, nil
}

// MarkSubmitted records the transaction hash of the current attempt. A
// broadcast counts as progress and clears the backoff.
func (t *Tracker) MarkSubmitted(ctx context.Context, marketID uint64, txHash string) error {
	_, err := t.update(ctx, marketID, func(s *MarketState, now time.Time) {
		s.TransientFailures = 0
		s.RetryAfter = time.Time{}
		s.LastAttempt.Status = StatusSubmitted
		s.LastAttempt.TxHash = txHash
		s.LastAttempt.UpdatedAt = now
	})
	return err
}

// MarkConfirmed records a successful resolution and removes the market
// from further consideration. Backoff state is reset.
func (t *Tracker) MarkConfirmed(ctx context.Context, marketID uint64) error {
	_, err := t.update(ctx, marketID, func(s *MarketState, now time.Time) {
		s.LastAttempt.Status = StatusConfirmed
		s.LastAttempt.UpdatedAt = now
		s.LastAttempt.LastError = ""
		s.LastAttempt.ErrorType = ""
		s.TransientFailures = 0
		s.UnclearFailures = 0
		s.RetryAfter = time.Time{}
		s.Permanent = true
		s.Reason = ReasonConfirmed
	})
	if err == nil {
		t.logger.Info().Uint64("market_id", marketID).Msg("Market resolution confirmed")
	}
	return err
}

// MarkResolvedElsewhere closes a market that the chain reports as no longer
// resolvable after this keeper had worked on it
func (t *Tracker) MarkResolvedElsewhere(ctx context.Context, marketID uint64) error {
	_, err := t.update(ctx, marketID, func(s *MarketState, now time.Time) {
		if s.LastAttempt.Status == StatusSubmitted || s.LastAttempt.Status == StatusPending {
			s.LastAttempt.Status = StatusFailedTerminal
			s.LastAttempt.ErrorType = "already_resolved"
			s.LastAttempt.UpdatedAt = now
		}
		s.TransientFailures = 0
		s.RetryAfter = time.Time{}
		s.Permanent = true
		s.Reason = ReasonResolvedElsewhere
	})
	return err
}

// MarkTransient records a retryable failure of the current attempt and
// schedules the next one. The market stays a candidate however often this
// happens.
func (t *Tracker) MarkTransient(ctx context.Context, marketID uint64, errorType string, cause error) (MarketState, error) {
	return t.update(ctx, marketID, func(s *MarketState, now time.Time) {
		t.failTransient(s, now, errorType, cause)
	})
}

// MarkUnclearFailure records a failure whose cause could not be told apart
// from a broken market, such as an unrecognized revert. Once MaxAttempts of
// them pile up the market is excluded permanently and exhausted is true.
func (t *Tracker) MarkUnclearFailure(ctx context.Context, marketID uint64, errorType string, cause error) (state MarketState, exhausted bool, err error) {
	state, err = t.update(ctx, marketID, func(s *MarketState, now time.Time) {
		t.failTransient(s, now, errorType, cause)
		s.UnclearFailures++

		if t.policy.MaxAttempts > 0 && s.UnclearFailures >= t.policy.MaxAttempts {
			s.LastAttempt.Status = StatusFailedTerminal
			s.RetryAfter = time.Time{}
			s.Permanent = true
			s.Reason = ReasonMaxAttempts
			exhausted = true
		}
	})
	return state, exhausted, err
}

func (t *Tracker) failTransient(s *MarketState, now time.Time, errorType string, cause error) {
	s.LastAttempt.Status = StatusFailedTransient
	s.LastAttempt.ErrorType = errorType
	s.LastAttempt.LastError = errorString(cause)
	s.LastAttempt.UpdatedAt = now
	s.TransientFailures++
	s.RetryAfter = now.Add(t.policy.CalculateBackoff(s.TransientFailures))
}

// MarkTerminal records a non-retryable failure. A permanent failure excludes
// the market for good, otherwise for the terminal cooldown.
func (t *Tracker) MarkTerminal(ctx context.Context, marketID uint64, reason string, cause error, permanent bool) (MarketState, error) {
	return t.update(ctx, marketID, func(s *MarketState, now time.Time) {
		s.LastAttempt.Status = StatusFailedTerminal
		s.LastAttempt.ErrorType = reason
		s.LastAttempt.LastError = errorString(cause)
		s.LastAttempt.UpdatedAt = now
		s.Reason = reason
		if permanent {
			s.Permanent = true
			return
		}
		s.ExcludedUntil = now.Add(t.policy.TerminalCooldown)
	})
}

// RecordNoData notes a cycle in which the price service had no update for
// the market. The attempt count is left alone. After FeedUnavailableAfter
// consecutive misses the market is excluded for the terminal cooldown and
// unavailable is true.
func (t *Tracker) RecordNoData(ctx context.Context, marketID uint64) (streak int, unavailable bool, err error) {
	_, err = t.update(ctx, marketID, func(s *MarketState, now time.Time) {
		s.NoDataStreak++
		streak = s.NoDataStreak
		if t.policy.FeedUnavailableAfter > 0 && s.NoDataStreak >= t.policy.FeedUnavailableAfter {
			s.LastAttempt.Status = StatusFailedTerminal
			s.LastAttempt.ErrorType = ReasonFeedUnavailable
			s.LastAttempt.UpdatedAt = now
			s.Reason = ReasonFeedUnavailable
			s.ExcludedUntil = now.Add(t.policy.TerminalCooldown)
			s.NoDataStreak = 0
			unavailable = true
		}
	})
	return streak, unavailable, err
}

// Snapshot lists every tracked market and refreshes the status gauges
func (t *Tracker) Snapshot(ctx context.Context) ([]MarketState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	states, err := t.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracker: list: %w", err)
	}

	counts := map[Status]int{
		StatusPending:         0,
		StatusSubmitted:       0,
		StatusConfirmed:       0,
		StatusFailedTransient: 0,
		StatusFailedTerminal:  0,
	}
	for _, s := range states {
		if s.LastAttempt.Status != "" {
			counts[s.LastAttempt.Status]++
		}
	}
	for status, n := range counts {
		metrics.TrackedMarkets.WithLabelValues(string(status)).Set(float64(n))
	}
	return states, nil
}

// Close closes the underlying store
func (t *Tracker) Close() error {
	return t.store.Close()
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

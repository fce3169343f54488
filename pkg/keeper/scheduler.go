package keeper

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/0xMgwan/betuaa-sub000/pkg/alerting"
	"github.com/0xMgwan/betuaa-sub000/pkg/circuitbreaker"
	"github.com/0xMgwan/betuaa-sub000/pkg/config"
	"github.com/0xMgwan/betuaa-sub000/pkg/lock"
	"github.com/0xMgwan/betuaa-sub000/pkg/metrics"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

// ErrFatal is returned by a cycle that stopped on a fatal pipeline outcome
var ErrFatal = errors.New("fatal pipeline outcome")

// ErrCircuitOpen is returned by a cycle skipped because the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Clock is the scheduler's view of time
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// MarketSource lists resolution candidates, oldest expiry first. Markets
// keep rejects must not use up the limit.
type MarketSource interface {
	FetchCandidates(ctx context.Context, limit int, keep models.MarketFilter) ([]models.Market, error)
}

// Eligibility tells whether the attempt history lets a market be worked now
type Eligibility interface {
	Eligible(ctx context.Context, marketID uint64) (bool, string, error)
}

// Runner resolves one market
type Runner interface {
	Run(ctx context.Context, market models.Market) Result
}

// SchedulerConfig holds the loop cadence
type SchedulerConfig struct {
	PollInterval       time.Duration
	MarketDelay        time.Duration
	ErrorBackoff       time.Duration
	MaxMarketsPerCycle int
	StartupDelay       time.Duration
	LockTTL            time.Duration
}

// CycleSummary is the per-cycle report
type CycleSummary struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Candidates int           `json:"candidates"`
	Attempted  int           `json:"attempted"`
	Confirmed  int           `json:"confirmed"`
	Abandoned  int           `json:"abandoned"`
	Retried    int           `json:"retried"`
	Skipped    int           `json:"skipped"`
	Held       int           `json:"held"`
	Locked     int           `json:"locked"`
	Error      string        `json:"error,omitempty"`
}

// Scheduler is the outer loop: fetch candidates, run the pipeline over each
// in order with a pause in between, then sleep until the next cycle
type Scheduler struct {
	index    MarketSource
	pipeline Runner
	locker   lock.Locker
	breaker  *circuitbreaker.CircuitBreaker
	notifier Notifier
	eligible Eligibility
	clock    Clock
	cfg      SchedulerConfig
	logger   zerolog.Logger

	mu          sync.RWMutex
	running     bool
	cycles      int
	last        CycleSummary
	lastSuccess time.Time
}

// SchedulerOption customizes a Scheduler
type SchedulerOption func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLocker guards each market with a lock shared between keepers
func WithLocker(l lock.Locker) SchedulerOption {
	return func(s *Scheduler) { s.locker = l }
}

// WithCircuitBreaker pauses the loop after repeated failed cycles
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) SchedulerOption {
	return func(s *Scheduler) { s.breaker = cb }
}

// WithNotifier sends alerts for fatal cycles and an opening breaker
func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

// WithEligibility keeps markets the tracker holds back from taking a slot
// in the cycle
func WithEligibility(e Eligibility) SchedulerOption {
	return func(s *Scheduler) { s.eligible = e }
}

// NewScheduler creates a scheduler. Zero config values fall back to defaults.
func NewScheduler(index MarketSource, pipeline Runner, cfg SchedulerConfig, logger zerolog.Logger, opts ...SchedulerOption) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultPollInterval
	}
	if cfg.MarketDelay < 0 {
		cfg.MarketDelay = 0
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = config.DefaultErrorBackoff
	}
	if cfg.MaxMarketsPerCycle <= 0 {
		cfg.MaxMarketsPerCycle = config.DefaultMaxMarketsPerCycle
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = config.DefaultLockTTL
	}

	s := &Scheduler{
		index:    index,
		pipeline: pipeline,
		locker:   lock.Noop{},
		clock:    realClock{},
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loops until ctx is cancelled. A failed or panicking cycle is followed
// by the error backoff instead of the poll interval; it never ends the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)

	s.logger.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Dur("market_delay", s.cfg.MarketDelay).
		Dur("error_backoff", s.cfg.ErrorBackoff).
		Int("max_markets_per_cycle", s.cfg.MaxMarketsPerCycle).
		Msg("Scheduler started")

	if s.cfg.StartupDelay > 0 && !s.sleep(ctx, s.cfg.StartupDelay) {
		return nil
	}

	for {
		start := s.clock.Now()
		_, err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			s.logger.Info().Msg("Scheduler stopped")
			return nil
		}

		wait := s.cfg.PollInterval - s.clock.Now().Sub(start)
		if err != nil && !errors.Is(err, ErrCircuitOpen) {
			wait = s.cfg.ErrorBackoff
			s.logger.Warn().Err(err).Dur("backoff", wait).Msg("Cycle failed, backing off")
		}
		if wait < 0 {
			wait = 0
		}

		if !s.sleep(ctx, wait) {
			s.logger.Info().Msg("Scheduler stopped")
			return nil
		}
	}
}

// RunCycle runs one cycle and returns its summary. Panics are recovered and
// reported as errors.
func (s *Scheduler) RunCycle(ctx context.Context) (summary CycleSummary, err error) {
	summary = CycleSummary{ID: uuid.NewString(), StartedAt: s.clock.Now()}
	log := s.logger.With().Str("cycle_id", summary.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in cycle")
		}
		summary.Duration = s.clock.Now().Sub(summary.StartedAt)
		s.finish(ctx, log, &summary, err)
	}()

	if s.breaker != nil && s.breaker.IsOpen() {
		log.Warn().Msg("Circuit breaker open, skipping cycle")
		return summary, ErrCircuitOpen
	}

	markets, err := s.index.FetchCandidates(ctx, s.cfg.MaxMarketsPerCycle, s.keep(log, &summary))
	if err != nil {
		return summary, fmt.Errorf("fetch candidates: %w", err)
	}
	summary.Candidates = len(markets)
	metrics.CandidatesFound.Set(float64(len(markets)))

	processed := 0
	for _, market := range markets {
		if ctx.Err() != nil {
			log.Info().Msg("Shutdown requested, ending cycle early")
			break
		}

		now := s.clock.Now()
		if !market.IsCandidate(now) {
			log.Warn().
				Uint64("market_id", market.ID).
				Time("expiry", market.ExpiryTime).
				Bool("resolved", market.Resolved).
				Msg("Index returned a market that is not a candidate, skipping")
			summary.Skipped++
			continue
		}

		if processed > 0 && s.cfg.MarketDelay > 0 {
			if !s.sleep(ctx, s.cfg.MarketDelay) {
				break
			}
		}
		processed++

		res, locked := s.runLocked(ctx, log, market)
		if locked {
			summary.Locked++
			continue
		}

		summary.count(res)
		if res.Outcome == OutcomeFatal {
			err = fmt.Errorf("%w: market %d at %s: %v", ErrFatal, market.ID, res.Step, res.Err)
			s.alert(ctx, alerting.EventFatal, "Keeper cycle halted",
				fmt.Sprintf("Cycle %s stopped at market %d (%s): %v", summary.ID, market.ID, res.Step, res.Err))
			return summary, err
		}
	}

	return summary, nil
}

// keep filters out markets in backoff, cooldown or permanent exclusion so
// they leave room for others. Tracker errors let the market through; the
// pipeline checks again.
func (s *Scheduler) keep(log zerolog.Logger, summary *CycleSummary) models.MarketFilter {
	if s.eligible == nil {
		return nil
	}
	return func(ctx context.Context, market models.Market) bool {
		ok, why, err := s.eligible.Eligible(ctx, market.ID)
		if err != nil {
			log.Warn().Err(err).Uint64("market_id", market.ID).Msg("Failed to read tracker state")
			return true
		}
		if !ok {
			log.Debug().Uint64("market_id", market.ID).Str("reason", why).Msg("Market held back")
			summary.Held++
		}
		return ok
	}
}

// runLocked runs the pipeline while holding the market lock. locked is true
// when another keeper holds it.
func (s *Scheduler) runLocked(ctx context.Context, log zerolog.Logger, market models.Market) (Result, bool) {
	unlock, err := s.locker.Acquire(ctx, lock.MarketKey(market.ID), s.cfg.LockTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		log.Info().Uint64("market_id", market.ID).Msg("Market locked by another keeper, skipping")
		return Result{}, true
	}
	if err != nil {
		log.Warn().Err(err).Uint64("market_id", market.ID).Msg("Failed to acquire market lock")
		return Result{MarketID: market.ID, Outcome: OutcomeRetry, Reason: "lock_error", Err: err}, false
	}
	defer unlock()

	return s.pipeline.Run(ctx, market), false
}

func (c *CycleSummary) count(res Result) {
	switch res.Outcome {
	case OutcomeSkipped:
		c.Skipped++
		return
	case OutcomeDone:
		c.Confirmed++
	case OutcomeAbandon:
		c.Abandoned++
	case OutcomeRetry, OutcomeFatal:
		c.Retried++
	}
	c.Attempted++
}

func (s *Scheduler) finish(ctx context.Context, log zerolog.Logger, summary *CycleSummary, err error) {
	result := "success"
	if err != nil {
		summary.Error = err.Error()
		result = "error"
		if errors.Is(err, ErrCircuitOpen) {
			result = "skipped"
		}
	}

	metrics.CyclesTotal.WithLabelValues(result).Inc()
	metrics.CycleDuration.Observe(summary.Duration.Seconds())

	s.mu.Lock()
	s.cycles++
	s.last = *summary
	if err == nil {
		s.lastSuccess = summary.StartedAt.Add(summary.Duration)
		metrics.LastSuccessfulCycle.Set(float64(s.lastSuccess.Unix()))
	}
	s.mu.Unlock()

	if s.breaker != nil {
		switch {
		case err == nil:
			s.breaker.RecordSuccess()
		case !errors.Is(err, ErrCircuitOpen):
			if s.breaker.RecordFailure() {
				s.alert(ctx, alerting.EventCircuitOpen, "Keeper circuit breaker open",
					fmt.Sprintf("Cycles paused after repeated failures, last: %v", err))
			}
		}
	}

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.
		Int("candidates", summary.Candidates).
		Int("attempted", summary.Attempted).
		Int("confirmed", summary.Confirmed).
		Int("abandoned", summary.Abandoned).
		Int("retried", summary.Retried).
		Int("skipped", summary.Skipped).
		Int("held", summary.Held).
		Int("locked", summary.Locked).
		Dur("duration", summary.Duration).
		Msg("Cycle summary")
}

// sleep waits for d on the scheduler clock. It returns false if ctx ended first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

func (s *Scheduler) alert(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), event, title, message); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("Failed to send alert")
	}
}

func (s *Scheduler) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// IsRunning reports whether Run is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastCycle returns the summary of the most recent cycle
func (s *Scheduler) LastCycle() (CycleSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.cycles > 0
}

// LastSuccess returns when the last successful cycle ended
func (s *Scheduler) LastSuccess() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSuccess
}

// PollInterval returns the configured cadence
func (s *Scheduler) PollInterval() time.Duration {
	return s.cfg.PollInterval
}

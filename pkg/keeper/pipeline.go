// Package keeper drives oracle resolution of expired markets: a pipeline that
// works one market through eligibility, attestation, fee, simulation,
// submission and confirmation, and a scheduler that feeds it candidates.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/0xMgwan/betuaa-sub000/pkg/alerting"
	"github.com/0xMgwan/betuaa-sub000/pkg/attestation"
	"github.com/0xMgwan/betuaa-sub000/pkg/chainclient"
	"github.com/0xMgwan/betuaa-sub000/pkg/config"
	"github.com/0xMgwan/betuaa-sub000/pkg/metrics"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

// Outcome is the classified result of one pipeline run
type Outcome int

const (
	// OutcomeDone means the market was resolved by this keeper
	OutcomeDone Outcome = iota
	// OutcomeRetry means the market stays a candidate for a later cycle
	OutcomeRetry
	// OutcomeAbandon means the market needs no further work from this keeper
	OutcomeAbandon
	// OutcomeFatal means the keeper itself cannot continue, e.g. an empty signer
	OutcomeFatal
	// OutcomeSkipped means the tracker held the market back (backoff or cooldown)
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeRetry:
		return "retry"
	case OutcomeAbandon:
		return "abandon"
	case OutcomeFatal:
		return "fatal"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Step names a pipeline state
type Step string

const (
	StepCheckEligible    Step = "check_eligible"
	StepFetchAttestation Step = "fetch_attestation"
	StepQuoteFee         Step = "quote_fee"
	StepSimulate         Step = "simulate"
	StepSubmit           Step = "submit"
	StepAwaitConfirm     Step = "await_confirm"
)

// Reasons that are not error types
const (
	ReasonNoData              = "no_data"
	ReasonTxPending           = "tx_pending"
	ReasonConfirmationUnknown = "confirmation_unknown"
	ReasonShutdown            = "shutdown"
	ReasonTrackerError        = "tracker_error"
)

// Result describes how a pipeline run ended
type Result struct {
	MarketID uint64
	Outcome  Outcome
	Step     Step
	Reason   string
	Attempt  int
	TxHash   common.Hash
	Fee      *big.Int
	GasUsed  uint64
	Err      error
	Duration time.Duration
}

// Attestor fetches signed price updates and quotes their on-chain fee
type Attestor interface {
	FetchUpdate(ctx context.Context, feedID common.Hash) (*models.AttestationBundle, error)
	QuoteFee(ctx context.Context, bundle *models.AttestationBundle) (*big.Int, error)
}

// Chain is what the pipeline needs from the chain client. Both the live
// client and the dry-run client satisfy it.
type Chain interface {
	IsResolvable(ctx context.Context, marketID uint64) (bool, error)
	EstimateGas(ctx context.Context, marketID uint64, bundle *models.AttestationBundle, fee *big.Int) (uint64, error)
	Submit(ctx context.Context, marketID uint64, bundle *models.AttestationBundle, fee *big.Int, gasEstimate uint64) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (chainclient.Confirmation, error)
	TxStatus(ctx context.Context, txHash common.Hash) (chainclient.Confirmation, error)
}

// Notifier raises operator alerts
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// PipelineConfig holds the pipeline timeouts
type PipelineConfig struct {
	ConfirmationTimeout time.Duration
	// SubmitTimeout bounds a submission, which is not cancelled on shutdown
	SubmitTimeout time.Duration
	ChainID       int64
}

// Pipeline resolves a single market
type Pipeline struct {
	chain    Chain
	oracle   Attestor
	tracker  *tracker.Tracker
	notifier Notifier
	cfg      PipelineConfig
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPipeline creates a pipeline. notifier may be nil.
func NewPipeline(chain Chain, oracle Attestor, attempts *tracker.Tracker, notifier Notifier, cfg PipelineConfig, logger zerolog.Logger) *Pipeline {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = config.DefaultConfirmationTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	return &Pipeline{
		chain:    chain,
		oracle:   oracle,
		tracker:  attempts,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for durations
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Run works market through the resolution steps and reports where it
// stopped. It never panics on dependency errors; every failure is folded
// into the returned Result.
func (p *Pipeline) Run(ctx context.Context, market models.Market) Result {
	start := p.now()
	log := p.logger.With().Uint64("market_id", market.ID).Logger()

	res := p.run(ctx, market, log)
	res.MarketID = market.ID
	res.Duration = p.now().Sub(start)

	metrics.MarketsProcessed.WithLabelValues(res.Outcome.String()).Inc()
	p.logResult(log, res)
	return res
}

func (p *Pipeline) run(ctx context.Context, market models.Market, log zerolog.Logger) Result {
	// CheckEligible: the chain is the single source of truth
	resolvable, err := p.chain.IsResolvable(ctx, market.ID)
	if err != nil {
		_, errType := ClassifyError(err)
		return p.stepError(StepCheckEligible, errType, err, OutcomeRetry)
	}
	if !resolvable {
		return p.notResolvable(ctx, market, log)
	}

	ok, why, err := p.tracker.Eligible(ctx, market.ID)
	if err != nil {
		return p.stepError(StepCheckEligible, ReasonTrackerError, err, OutcomeRetry)
	}
	if !ok {
		return Result{Outcome: OutcomeSkipped, Step: StepCheckEligible, Reason: why}
	}

	state, err := p.tracker.Get(ctx, market.ID)
	if err != nil {
		return p.stepError(StepCheckEligible, ReasonTrackerError, err, OutcomeRetry)
	}
	if hash := state.PendingTx(); hash != "" {
		if res, stop := p.checkPendingTx(ctx, market, common.HexToHash(hash), log); stop {
			return res
		}
	}

	if ctx.Err() != nil {
		return Result{Outcome: OutcomeRetry, Step: StepCheckEligible, Reason: ReasonShutdown}
	}

	// FetchAttestation
	bundle, err := p.oracle.FetchUpdate(ctx, market.FeedID)
	if errors.Is(err, attestation.ErrNoData) {
		return p.noData(ctx, market, err, log)
	}

	attempt, beginErr := p.tracker.Begin(ctx, market.ID)
	if beginErr != nil {
		return p.stepError(StepFetchAttestation, ReasonTrackerError, beginErr, OutcomeRetry)
	}
	log = log.With().Int("attempt", attempt.Number).Logger()

	if err != nil {
		_, errType := ClassifyError(err)
		return p.transient(ctx, market, StepFetchAttestation, errType, err, attempt.Number)
	}

	// QuoteFee is re-read on every attempt
	fee, err := p.oracle.QuoteFee(ctx, bundle)
	if err != nil {
		_, errType := ClassifyError(err)
		return p.transient(ctx, market, StepQuoteFee, errType, err, attempt.Number)
	}

	p.logPreview(log, market, bundle, fee)

	// Simulate
	gas, err := p.chain.EstimateGas(ctx, market.ID, bundle, fee)
	if err != nil {
		return p.chainFailure(ctx, market, StepSimulate, err, attempt.Number)
	}

	if ctx.Err() != nil {
		return Result{Outcome: OutcomeRetry, Step: StepSimulate, Reason: ReasonShutdown, Attempt: attempt.Number}
	}

	// Submit runs to completion even when shutdown is requested
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SubmitTimeout)
	txHash, err := p.chain.Submit(submitCtx, market.ID, bundle, fee, gas)
	cancel()
	if err != nil {
		return p.chainFailure(ctx, market, StepSubmit, err, attempt.Number)
	}
	if err := p.tracker.MarkSubmitted(context.WithoutCancel(ctx), market.ID, txHash.Hex()); err != nil {
		log.Error().Err(err).Str("tx_hash", txHash.Hex()).Msg("Failed to record submission")
	}
	log.Info().
		Str("tx_hash", txHash.Hex()).
		Uint64("gas_estimate", gas).
		Str("fee_wei", fee.String()).
		Str("explorer", p.txLink(txHash)).
		Msg("Resolution submitted")

	// AwaitConfirm
	waitStart := p.now()
	conf, err := p.chain.AwaitConfirmation(ctx, txHash, p.cfg.ConfirmationTimeout)
	if err != nil {
		log.Warn().Err(err).Str("tx_hash", txHash.Hex()).Msg("Confirmation wait failed")
		conf = chainclient.Confirmation{TxHash: txHash, Status: chainclient.StatusUnknown}
	}

	res := Result{Step: StepAwaitConfirm, Attempt: attempt.Number, TxHash: txHash, Fee: fee, GasUsed: conf.GasUsed}
	switch conf.Status {
	case chainclient.StatusConfirmed:
		metrics.ConfirmationWait.Observe(p.now().Sub(waitStart).Seconds())
		p.confirmed(ctx, market, txHash, fee, conf.GasUsed, log)
		res.Outcome = OutcomeDone
		return res

	case chainclient.StatusReverted:
		revertErr := fmt.Errorf("transaction reverted: %s", conf.RevertReason)
		if conf.RevertReason == "" {
			revertErr = errors.New("transaction reverted: execution reverted")
		}
		failed := p.chainFailure(ctx, market, StepAwaitConfirm, revertErr, attempt.Number)
		failed.TxHash = txHash
		failed.GasUsed = conf.GasUsed
		return failed

	default:
		// the transaction may still land; the next cycle's eligibility check decides
		metrics.ConfirmationTimeouts.Inc()
		res.Outcome = OutcomeRetry
		res.Reason = ReasonConfirmationUnknown
		return res
	}
}

// notResolvable handles a market the chain no longer lets anyone resolve
func (p *Pipeline) notResolvable(ctx context.Context, market models.Market, log zerolog.Logger) Result {
	res := Result{Outcome: OutcomeAbandon, Step: StepCheckEligible, Reason: ErrTypeAlreadyResolved}

	state, err := p.tracker.Get(ctx, market.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read tracker state")
		return res
	}
	res.Attempt = state.AttemptCount
	if state.Permanent {
		return res
	}

	if hash := state.PendingTx(); hash != "" {
		txHash := common.HexToHash(hash)
		res.TxHash = txHash
		conf, err := p.chain.TxStatus(ctx, txHash)
		if err == nil && conf.Status == chainclient.StatusConfirmed {
			log.Info().Str("tx_hash", hash).Msg("Earlier submission landed")
			p.confirmed(ctx, market, txHash, nil, conf.GasUsed, log)
			return res
		}
	}

	// unknown markets are left alone; the chain clock may simply lag expiry
	if state.AttemptCount > 0 {
		if err := p.tracker.MarkResolvedElsewhere(ctx, market.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to close market in tracker")
		}
	}
	return res
}

// checkPendingTx looks at a submission whose fate was unknown. It returns
// stop=true when the pipeline must not go on to a new attempt.
func (p *Pipeline) checkPendingTx(ctx context.Context, market models.Market, txHash common.Hash, log zerolog.Logger) (Result, bool) {
	conf, err := p.chain.TxStatus(ctx, txHash)
	if err != nil {
		_, errType := ClassifyError(err)
		res := p.stepError(StepCheckEligible, errType, err, OutcomeRetry)
		res.TxHash = txHash
		return res, true
	}

	switch conf.Status {
	case chainclient.StatusConfirmed:
		p.confirmed(ctx, market, txHash, nil, conf.GasUsed, log)
		return Result{Outcome: OutcomeDone, Step: StepCheckEligible, TxHash: txHash, GasUsed: conf.GasUsed}, true
	case chainclient.StatusReverted, chainclient.StatusDropped:
		log.Warn().
			Str("tx_hash", txHash.Hex()).
			Str("status", conf.Status.String()).
			Str("revert_reason", conf.RevertReason).
			Msg("Earlier submission did not land, starting a new attempt")
		return Result{}, false
	default:
		return Result{Outcome: OutcomeRetry, Step: StepCheckEligible, Reason: ReasonTxPending, TxHash: txHash}, true
	}
}

func (p *Pipeline) noData(ctx context.Context, market models.Market, cause error, log zerolog.Logger) Result {
	res := Result{Outcome: OutcomeRetry, Step: StepFetchAttestation, Reason: ReasonNoData, Err: cause}

	streak, unavailable, err := p.tracker.RecordNoData(ctx, market.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record missing price data")
		return res
	}
	if unavailable {
		res.Reason = tracker.ReasonFeedUnavailable
		p.alert(ctx, alerting.EventFeedUnavailable, "Price feed unavailable",
			fmt.Sprintf("Market %d: no price update for feed %s after %d cycles, pausing for %s",
				market.ID, market.FeedID.Hex(), streak, p.tracker.Policy().TerminalCooldown))
	}
	return res
}

// chainFailure classifies a simulation, submission or revert error
func (p *Pipeline) chainFailure(ctx context.Context, market models.Market, step Step, cause error, attempt int) Result {
	_, errType := ClassifyError(cause)

	switch errType {
	case ErrTypeAlreadyResolved:
		metrics.StepErrors.WithLabelValues(string(step), errType).Inc()
		if _, err := p.tracker.MarkTerminal(ctx, market.ID, errType, cause, true); err != nil {
			p.logger.Warn().Err(err).Uint64("market_id", market.ID).Msg("Failed to record terminal failure")
		}
		return Result{Outcome: OutcomeAbandon, Step: step, Reason: errType, Err: cause, Attempt: attempt}

	case ErrTypeInsufficientFunds:
		res := p.transient(ctx, market, step, errType, cause, attempt)
		res.Outcome = OutcomeFatal
		p.alert(ctx, alerting.EventFatal, "Keeper signer out of funds",
			fmt.Sprintf("Market %d: %s failed: %v", market.ID, step, cause))
		return res

	case ErrTypeContract, ErrTypeUnknown:
		return p.unclear(ctx, market, step, errType, cause, attempt)
	}

	return p.transient(ctx, market, step, errType, cause, attempt)
}

// transient records a retryable failure. The market only backs off.
func (p *Pipeline) transient(ctx context.Context, market models.Market, step Step, errType string, cause error, attempt int) Result {
	metrics.StepErrors.WithLabelValues(string(step), errType).Inc()
	res := Result{Outcome: OutcomeRetry, Step: step, Reason: errType, Err: cause, Attempt: attempt}

	if _, err := p.tracker.MarkTransient(context.WithoutCancel(ctx), market.ID, errType, cause); err != nil {
		p.logger.Warn().Err(err).Uint64("market_id", market.ID).Msg("Failed to record transient failure")
	}
	return res
}

// unclear records a revert nobody recognized; too many abandon the market
func (p *Pipeline) unclear(ctx context.Context, market models.Market, step Step, errType string, cause error, attempt int) Result {
	metrics.StepErrors.WithLabelValues(string(step), errType).Inc()
	res := Result{Outcome: OutcomeRetry, Step: step, Reason: errType, Err: cause, Attempt: attempt}

	state, exhausted, err := p.tracker.MarkUnclearFailure(context.WithoutCancel(ctx), market.ID, errType, cause)
	if err != nil {
		p.logger.Warn().Err(err).Uint64("market_id", market.ID).Msg("Failed to record unclear failure")
		return res
	}
	if exhausted {
		res.Outcome = OutcomeAbandon
		res.Reason = tracker.ReasonMaxAttempts
		p.alert(ctx, alerting.EventAbandoned, "Market abandoned",
			fmt.Sprintf("Market %d: giving up after %d unclear failures, last at %s: %v",
				market.ID, state.UnclearFailures, step, cause))
	}
	return res
}

func (p *Pipeline) stepError(step Step, errType string, cause error, outcome Outcome) Result {
	metrics.StepErrors.WithLabelValues(string(step), errType).Inc()
	return Result{Outcome: outcome, Step: step, Reason: errType, Err: cause}
}

func (p *Pipeline) confirmed(ctx context.Context, market models.Market, txHash common.Hash, fee *big.Int, gasUsed uint64, log zerolog.Logger) {
	if err := p.tracker.MarkConfirmed(context.WithoutCancel(ctx), market.ID); err != nil {
		log.Error().Err(err).Msg("Failed to record confirmation")
	}
	metrics.MarketsResolved.Inc()
	if gasUsed > 0 {
		metrics.GasUsed.Observe(float64(gasUsed))
	}
	if fee != nil {
		metrics.UpdateFeePaid.Add(decimal.NewFromBigInt(fee, 0).InexactFloat64())
	}
	p.alert(ctx, alerting.EventResolved, "Market resolved",
		fmt.Sprintf("Market %d resolved in %s", market.ID, p.txLink(txHash)))
}

func (p *Pipeline) txLink(txHash common.Hash) string {
	if url := config.TxURL(p.cfg.ChainID, txHash.Hex()); url != "" {
		return url
	}
	return txHash.Hex()
}

// logPreview logs the attested price against the threshold
func (p *Pipeline) logPreview(log zerolog.Logger, market models.Market, bundle *models.AttestationBundle, fee *big.Int) {
	ev := log.Info().
		Str("threshold", market.ThresholdDecimal().String()).
		Str("direction", market.Direction()).
		Str("fee_eth", models.WeiToEther(fee).String())

	if snap, ok := bundle.PriceFor(market.FeedID); ok {
		price := snap.Decimal()
		ev = ev.
			Str("price", price.String()).
			Time("publish_time", snap.PublishTime).
			Str("expected_outcome", market.ExpectedOutcome(price))
	}
	ev.Msg("Price preview")
}

func (p *Pipeline) alert(ctx context.Context, event, title, message string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(context.WithoutCancel(ctx), event, title, message); err != nil {
		p.logger.Warn().Err(err).Str("event", event).Msg("Failed to send alert")
	}
}

func (p *Pipeline) logResult(log zerolog.Logger, res Result) {
	var ev *zerolog.Event
	switch res.Outcome {
	case OutcomeFatal:
		ev = log.Error()
	case OutcomeRetry:
		ev = log.Warn()
	case OutcomeSkipped:
		ev = log.Debug()
	default:
		ev = log.Info()
	}
	ev = ev.
		Str("outcome", res.Outcome.String()).
		Str("step", string(res.Step)).
		Dur("duration", res.Duration)
	if res.Reason != "" {
		ev = ev.Str("reason", res.Reason)
	}
	if res.Attempt > 0 {
		ev = ev.Int("attempt", res.Attempt)
	}
	if res.TxHash != (common.Hash{}) {
		ev = ev.Str("tx_hash", res.TxHash.Hex())
	}
	if res.Err != nil {
		ev = ev.Err(res.Err)
	}
	ev.Msg("Market processed")
}

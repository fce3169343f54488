package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xMgwan/betuaa-sub000/pkg/alerting"
	"github.com/0xMgwan/betuaa-sub000/pkg/attestation"
	"github.com/0xMgwan/betuaa-sub000/pkg/chainclient"
	"github.com/0xMgwan/betuaa-sub000/pkg/keeper/mocks"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

var testExpiry = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type pipelineFixture struct {
	chain    *mocks.MockChain
	oracle   *mocks.MockOracle
	tracker  *tracker.Tracker
	notifier *mocks.RecordingNotifier
	clock    *mocks.FakeClock
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T, policy tracker.Policy) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		chain:    mocks.NewMockChain(),
		oracle:   mocks.NewMockOracle(),
		notifier: &mocks.RecordingNotifier{},
		clock:    mocks.NewFakeClock(testExpiry.Add(5 * time.Second)),
	}
	f.tracker = tracker.New(tracker.NewMemoryStore(), policy, zerolog.Nop())
	f.tracker.SetClock(f.clock.Now)
	f.pipeline = NewPipeline(f.chain, f.oracle, f.tracker, f.notifier, PipelineConfig{
		ConfirmationTimeout: 120 * time.Second,
		ChainID:             84532,
	}, zerolog.Nop())
	f.pipeline.SetClock(f.clock.Now)
	return f
}

func testMarket(id uint64) models.Market {
	return models.Market{
		ID:          id,
		FeedID:      common.BigToHash(new(big.Int).SetUint64(1000 + id)),
		Threshold:   6_000_000_000_000,
		ExpiryTime:  testExpiry,
		IsAboveWins: true,
	}
}

func (f *pipelineFixture) state(t *testing.T, id uint64) tracker.MarketState {
	t.Helper()
	state, err := f.tracker.Get(context.Background(), id)
	require.NoError(t, err)
	return state
}

func TestScenarioHappyPath(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())

	res := f.pipeline.Run(context.Background(), testMarket(42))

	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, StepAwaitConfirm, res.Step)
	assert.Equal(t, common.HexToHash("0xabc"), res.TxHash)
	assert.Equal(t, 1, res.Attempt)

	require.Len(t, f.chain.Submits, 1)
	submit := f.chain.Submits[0]
	assert.Equal(t, uint64(42), submit.MarketID)
	assert.Equal(t, int64(100), submit.Fee.Int64())
	assert.Equal(t, uint64(150000), submit.GasEstimate)

	state := f.state(t, 42)
	assert.Equal(t, tracker.StatusConfirmed, state.LastAttempt.Status)
	assert.Equal(t, 1, state.AttemptCount)
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000abc", state.LastAttempt.TxHash)
	assert.Contains(t, f.notifier.Events(), alerting.EventResolved)
}

func TestScenarioAlreadyResolvedByThirdParty(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.SetResolvable(7, false)

	res := f.pipeline.Run(context.Background(), testMarket(7))

	assert.Equal(t, OutcomeAbandon, res.Outcome)
	assert.Equal(t, StepCheckEligible, res.Step)
	fetches, quotes := f.oracle.Calls()
	assert.Zero(t, fetches, "no oracle calls")
	assert.Zero(t, quotes, "no fee spent")
	assert.Zero(t, f.chain.SubmitCount())
	assert.Zero(t, f.chain.EstimateCalls)
}

func TestScenarioOracleHasNoData(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.oracle.FetchErr = fmt.Errorf("feed %s: %w", testMarket(9).FeedID.Hex(), attestation.ErrNoData)

	res := f.pipeline.Run(context.Background(), testMarket(9))

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, StepFetchAttestation, res.Step)
	assert.Equal(t, ReasonNoData, res.Reason)
	assert.Zero(t, f.oracle.QuoteCalls)

	state := f.state(t, 9)
	assert.Zero(t, state.AttemptCount, "attempt count unchanged")

	ok, _, err := f.tracker.Eligible(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, ok, "market stays a candidate for the next cycle")
}

func TestScenarioConfirmationTimeoutThenSelfHeal(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.Confirmation = chainclient.StatusUnknown

	first := f.pipeline.Run(context.Background(), testMarket(15))
	assert.Equal(t, OutcomeRetry, first.Outcome)
	assert.Equal(t, ReasonConfirmationUnknown, first.Reason)
	assert.Equal(t, tracker.StatusSubmitted, f.state(t, 15).LastAttempt.Status)

	// the transaction landed after the wait gave up
	f.chain.SetResolvable(15, false)
	f.chain.SetTxStatus(f.chain.SubmitHash, chainclient.StatusConfirmed)
	f.clock.Advance(time.Minute)
	fetchesBefore, quotesBefore := f.oracle.Calls()

	second := f.pipeline.Run(context.Background(), testMarket(15))

	assert.Equal(t, OutcomeAbandon, second.Outcome)
	assert.Equal(t, StepCheckEligible, second.Step)
	assert.Equal(t, 1, f.chain.SubmitCount(), "no second submission")
	fetches, quotes := f.oracle.Calls()
	assert.Equal(t, fetchesBefore, fetches)
	assert.Equal(t, quotesBefore, quotes, "no second fee")

	state := f.state(t, 15)
	assert.Equal(t, tracker.StatusConfirmed, state.LastAttempt.Status)
	assert.Equal(t, 1, state.AttemptCount)
}

func TestIdempotency(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.OnSubmit = func(id uint64) { f.chain.SetResolvable(id, false) }

	first := f.pipeline.Run(context.Background(), testMarket(42))
	require.Equal(t, OutcomeDone, first.Outcome)
	fetches, quotes := f.oracle.Calls()

	second := f.pipeline.Run(context.Background(), testMarket(42))

	assert.Equal(t, OutcomeAbandon, second.Outcome)
	assert.Equal(t, StepCheckEligible, second.Step)
	fetches2, quotes2 := f.oracle.Calls()
	assert.Equal(t, fetches, fetches2, "no new attestation")
	assert.Equal(t, quotes, quotes2, "no new fee")
	assert.Equal(t, 1, f.chain.SubmitCount())
}

func TestAmbiguitySafety(t *testing.T) {
	tests := []struct {
		name     string
		txStatus chainclient.Status
	}{
		{name: "landed", txStatus: chainclient.StatusConfirmed},
		{name: "still pending", txStatus: chainclient.StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, tracker.DefaultPolicy())
			f.chain.Confirmation = chainclient.StatusUnknown

			res := f.pipeline.Run(context.Background(), testMarket(15))
			require.Equal(t, OutcomeRetry, res.Outcome)

			f.chain.SetTxStatus(f.chain.SubmitHash, tt.txStatus)
			if tt.txStatus == chainclient.StatusConfirmed {
				f.chain.SetResolvable(15, false)
			}

			for i := 0; i < 3; i++ {
				f.clock.Advance(time.Minute)
				res = f.pipeline.Run(context.Background(), testMarket(15))
				assert.Equal(t, StepCheckEligible, res.Step)
			}
			assert.Equal(t, 1, f.chain.SubmitCount(), "a possibly landing submission is never repeated")
		})
	}
}

func TestPendingGuardResubmitsAfterDrop(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.Confirmation = chainclient.StatusUnknown

	res := f.pipeline.Run(context.Background(), testMarket(21))
	require.Equal(t, OutcomeRetry, res.Outcome)

	f.chain.SetTxStatus(f.chain.SubmitHash, chainclient.StatusDropped)
	f.chain.Confirmation = chainclient.StatusConfirmed
	f.chain.SubmitHash = common.HexToHash("0xdef")

	res = f.pipeline.Run(context.Background(), testMarket(21))

	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, 2, f.chain.SubmitCount())
}

func TestSimulationRevertAlreadyResolvedAbandons(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.EstimateErr = errors.New("gas estimation failed: execution reverted: Market already resolved")

	res := f.pipeline.Run(context.Background(), testMarket(30))

	assert.Equal(t, OutcomeAbandon, res.Outcome)
	assert.Equal(t, StepSimulate, res.Step)
	assert.Equal(t, ErrTypeAlreadyResolved, res.Reason)
	assert.Zero(t, f.chain.SubmitCount())

	ok, _, err := f.tracker.Eligible(context.Background(), 30)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSimulationRevertRetries(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		errType string
	}{
		{name: "stale price", err: errors.New("gas estimation failed: execution reverted: StalePrice"), errType: ErrTypeStalePrice},
		{name: "unclassified", err: errors.New("gas estimation failed: execution reverted"), errType: ErrTypeContract},
		{name: "rpc timeout", err: mocks.ErrRPCTimeout, errType: ErrTypeNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, tracker.DefaultPolicy())
			f.chain.EstimateErr = tt.err

			res := f.pipeline.Run(context.Background(), testMarket(31))

			assert.Equal(t, OutcomeRetry, res.Outcome)
			assert.Equal(t, StepSimulate, res.Step)
			assert.Equal(t, tt.errType, res.Reason)
			assert.Zero(t, f.chain.SubmitCount())
			assert.Equal(t, tracker.StatusFailedTransient, f.state(t, 31).LastAttempt.Status)
		})
	}
}

func TestUnclearRevertAbandonsAfterMaxAttempts(t *testing.T) {
	policy := tracker.DefaultPolicy()
	policy.MaxAttempts = 3
	f := newPipelineFixture(t, policy)
	f.chain.EstimateErr = errors.New("execution reverted: 0xdeadbeef")

	var res Result
	for i := 0; i < 3; i++ {
		res = f.pipeline.Run(context.Background(), testMarket(8))
		f.clock.Advance(time.Hour)
	}

	assert.Equal(t, OutcomeAbandon, res.Outcome)
	assert.Equal(t, tracker.ReasonMaxAttempts, res.Reason)
	assert.Contains(t, f.notifier.Events(), alerting.EventAbandoned)

	res = f.pipeline.Run(context.Background(), testMarket(8))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 3, f.chain.EstimateCalls)
}

func TestRevertedReceiptCountsAsUnclear(t *testing.T) {
	policy := tracker.DefaultPolicy()
	policy.MaxAttempts = 2
	f := newPipelineFixture(t, policy)
	f.chain.Confirmation = chainclient.StatusReverted

	first := f.pipeline.Run(context.Background(), testMarket(23))
	assert.Equal(t, OutcomeRetry, first.Outcome)
	assert.Equal(t, ErrTypeContract, first.Reason)

	f.clock.Advance(time.Hour)
	second := f.pipeline.Run(context.Background(), testMarket(23))
	assert.Equal(t, OutcomeAbandon, second.Outcome)
	assert.Equal(t, StepAwaitConfirm, second.Step)
	assert.Equal(t, tracker.ReasonMaxAttempts, second.Reason)
	assert.Equal(t, 2, f.chain.SubmitCount())
}

func TestOracleOutageNeverAbandons(t *testing.T) {
	policy := tracker.DefaultPolicy()
	policy.MaxAttempts = 3
	f := newPipelineFixture(t, policy)
	f.oracle.FetchErr = errors.New("hermes request failed: dial tcp: connection refused")

	for i := 0; i < 12; i++ {
		res := f.pipeline.Run(context.Background(), testMarket(26))
		require.Equal(t, OutcomeRetry, res.Outcome, "run %d", i)
		assert.Equal(t, ErrTypeNetwork, res.Reason)
		f.clock.Advance(3 * time.Minute)
	}

	state := f.state(t, 26)
	assert.False(t, state.Permanent)
	assert.Equal(t, 12, state.AttemptCount)
	assert.Empty(t, f.notifier.Events())

	f.oracle.FetchErr = nil
	f.clock.Advance(24 * time.Hour)
	res := f.pipeline.Run(context.Background(), testMarket(26))

	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, 1, f.chain.SubmitCount())
}

func TestClassifiedFailuresOnlyBackOff(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f *pipelineFixture)
		errType string
	}{
		{name: "stale price", prepare: func(f *pipelineFixture) { f.chain.EstimateErr = errors.New("execution reverted: StalePrice") }, errType: ErrTypeStalePrice},
		{name: "not expired", prepare: func(f *pipelineFixture) { f.chain.EstimateErr = errors.New("execution reverted: NotExpired") }, errType: ErrTypeNotExpired},
		{name: "nonce", prepare: func(f *pipelineFixture) { f.chain.SubmitErr = errors.New("nonce too low") }, errType: ErrTypeNonce},
		{name: "gas", prepare: func(f *pipelineFixture) { f.chain.SubmitErr = errors.New("transaction underpriced") }, errType: ErrTypeGas},
		{name: "node state", prepare: func(f *pipelineFixture) { f.chain.EstimateErr = errors.New("missing trie node 0xabc") }, errType: ErrTypeNodeState},
		{name: "fee quote", prepare: func(f *pipelineFixture) { f.oracle.FeeErr = errors.New("failed to get update fee: connection refused") }, errType: ErrTypeNetwork},
		{name: "rate limited", prepare: func(f *pipelineFixture) { f.oracle.FetchErr = fmt.Errorf("hermes: %w", attestation.ErrRateLimited) }, errType: ErrTypeRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := tracker.DefaultPolicy()
			policy.MaxAttempts = 2
			f := newPipelineFixture(t, policy)
			tt.prepare(f)

			for i := 0; i < 6; i++ {
				res := f.pipeline.Run(context.Background(), testMarket(27))
				require.Equal(t, OutcomeRetry, res.Outcome, "run %d", i)
				assert.Equal(t, tt.errType, res.Reason)

				state := f.state(t, 27)
				assert.False(t, state.Permanent)
				assert.LessOrEqual(t, state.RetryAfter.Sub(f.clock.Now()), policy.BackoffMax)
				f.clock.Advance(policy.BackoffMax)
			}
			assert.Zero(t, f.state(t, 27).UnclearFailures)
		})
	}
}

func TestInsufficientFundsIsFatal(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.SubmitErr = errors.New("failed to send transaction: insufficient funds for gas * price + value")

	res := f.pipeline.Run(context.Background(), testMarket(12))

	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.Equal(t, StepSubmit, res.Step)
	assert.Equal(t, ErrTypeInsufficientFunds, res.Reason)
	assert.Contains(t, f.notifier.Events(), alerting.EventFatal)
	assert.Equal(t, tracker.StatusFailedTransient, f.state(t, 12).LastAttempt.Status)
}

func TestSubmitFailureRetriesWithBackoff(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.SubmitErr = errors.New("failed to send transaction: nonce too low")

	res := f.pipeline.Run(context.Background(), testMarket(13))

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, ErrTypeNonce, res.Reason)
	state := f.state(t, 13)
	assert.Equal(t, 1, state.AttemptCount)
	assert.Empty(t, state.PendingTx(), "an unaccepted send is not treated as broadcast")
	assert.True(t, state.RetryAfter.After(f.clock.Now()))

	res = f.pipeline.Run(context.Background(), testMarket(13))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
}

func TestQuoteFeeFailureRetries(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.oracle.FeeErr = errors.New("failed to get update fee: connection refused")

	res := f.pipeline.Run(context.Background(), testMarket(14))

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, StepQuoteFee, res.Step)
	assert.Equal(t, 1, f.state(t, 14).AttemptCount)
	assert.Zero(t, f.chain.EstimateCalls)
}

func TestFeeIsRequotedEveryAttempt(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.EstimateErr = errors.New("execution reverted: StalePrice")

	f.pipeline.Run(context.Background(), testMarket(16))
	f.clock.Advance(time.Hour)
	f.oracle.Fee = big.NewInt(250)
	f.chain.EstimateErr = nil

	res := f.pipeline.Run(context.Background(), testMarket(16))

	require.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, 2, f.oracle.QuoteCalls)
	assert.Equal(t, 2, f.oracle.FetchCalls, "a fresh bundle per attempt")
	assert.Equal(t, int64(250), f.chain.Submits[0].Fee.Int64())
}

func TestFetchNetworkErrorCountsAsAttempt(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.oracle.FetchErr = errors.New("hermes request failed: dial tcp: i/o timeout")

	res := f.pipeline.Run(context.Background(), testMarket(17))

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, ErrTypeNetwork, res.Reason)
	assert.Equal(t, 1, f.state(t, 17).AttemptCount)
}

func TestFeedUnavailableAlert(t *testing.T) {
	policy := tracker.DefaultPolicy()
	policy.FeedUnavailableAfter = 2
	f := newPipelineFixture(t, policy)
	f.oracle.FetchErr = attestation.ErrFeedNotFound

	first := f.pipeline.Run(context.Background(), testMarket(18))
	second := f.pipeline.Run(context.Background(), testMarket(18))

	assert.Equal(t, ReasonNoData, first.Reason)
	assert.Equal(t, tracker.ReasonFeedUnavailable, second.Reason)
	assert.Equal(t, []string{alerting.EventFeedUnavailable}, f.notifier.Events())

	third := f.pipeline.Run(context.Background(), testMarket(18))
	assert.Equal(t, OutcomeSkipped, third.Outcome)
}

func TestRevertedReceiptRetries(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.Confirmation = chainclient.StatusReverted
	f.chain.RevertReason = "StalePrice"

	res := f.pipeline.Run(context.Background(), testMarket(19))

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, StepAwaitConfirm, res.Step)
	assert.Equal(t, ErrTypeStalePrice, res.Reason)
	assert.Equal(t, tracker.StatusFailedTransient, f.state(t, 19).LastAttempt.Status)
}

func TestCheckEligibleErrorRetriesWithoutOracle(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.ResolvableErr = mocks.ErrRPCTimeout

	res := f.pipeline.Run(context.Background(), testMarket(20))

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, StepCheckEligible, res.Step)
	assert.Zero(t, f.oracle.FetchCalls)
}

func TestShutdownCompletesInFlightSubmit(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	f.chain.SubmitBlocksFor = 50 * time.Millisecond
	f.chain.Confirmation = chainclient.StatusUnknown

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := f.pipeline.Run(ctx, testMarket(22))

	assert.Equal(t, 1, f.chain.SubmitCount(), "a started submit is finished")
	assert.Equal(t, tracker.StatusSubmitted, f.state(t, 22).LastAttempt.Status)
	assert.Equal(t, OutcomeRetry, res.Outcome)
}

func TestAttemptMonotonicity(t *testing.T) {
	f := newPipelineFixture(t, tracker.DefaultPolicy())
	ctx := context.Background()

	steps := []func(){
		func() { f.chain.EstimateErr = errors.New("execution reverted: StalePrice") },
		func() { f.oracle.FetchErr = attestation.ErrNoData },
		func() { f.oracle.FetchErr = errors.New("connection reset by peer") },
		func() { f.oracle.FetchErr = nil; f.oracle.FeeErr = errors.New("timeout") },
		func() {
			f.oracle.FeeErr = nil
			f.chain.EstimateErr = nil
			f.chain.SubmitErr = errors.New("nonce too low")
		},
	}

	last := 0
	for _, prepare := range steps {
		prepare()
		f.clock.Advance(time.Hour)
		res := f.pipeline.Run(ctx, testMarket(25))

		count := f.state(t, 25).AttemptCount
		assert.GreaterOrEqual(t, count, last)
		if res.Reason == ReasonNoData {
			assert.Equal(t, last, count, "no-data cycles do not count")
		} else {
			assert.Equal(t, last+1, count, "one attempt per traversal reaching the oracle")
		}
		last = count
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "done", OutcomeDone.String())
	assert.Equal(t, "retry", OutcomeRetry.String())
	assert.Equal(t, "abandon", OutcomeAbandon.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_cycles_total",
		Help: "The total number of scheduler cycles by result",
	}, []string{"result"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keeper_cycle_duration_seconds",
		Help:    "Time taken by one scheduler cycle",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // Start at 0.5s with 10 buckets doubling in size
	})

	LastSuccessfulCycle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_last_successful_cycle_timestamp_seconds",
		Help: "Unix time of the last cycle that completed without error",
	})

	CandidatesFound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_candidates",
		Help: "The number of expired unresolved markets returned by the last index query",
	})

	MarketsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_markets_processed_total",
		Help: "The total number of pipeline runs by outcome",
	}, []string{"outcome"})

	ResolutionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_resolution_attempts_total",
		Help: "The total number of resolution attempts opened",
	})

	StepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_step_errors_total",
		Help: "Total number of pipeline step errors by step and error type",
	}, []string{"step", "error_type"})

	MarketsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_markets_resolved_total",
		Help: "The total number of markets resolved by this keeper",
	})

	ConfirmationTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_confirmation_timeouts_total",
		Help: "Number of submissions whose confirmation wait ended without a receipt",
	})

	ConfirmationWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keeper_confirmation_wait_seconds",
		Help:    "Time between submission and receipt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})

	GasUsed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keeper_gas_used",
		Help:    "Gas used by resolution transactions",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10), // Start at 21000 with 10 buckets doubling in size
	})

	UpdateFeePaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_update_fee_wei_total",
		Help: "Oracle update fees attached to confirmed resolutions, in wei",
	})

	GasPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_gas_price_gwei",
		Help: "Current gas price in gwei",
	})

	SignerBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_signer_balance_eth",
		Help: "Native balance of the keeper signer",
	})

	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_oracle_requests_total",
		Help: "Requests to the oracle price service by result",
	}, []string{"result"})

	IndexRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_index_requests_total",
		Help: "Requests to the market index by result",
	}, []string{"result"})

	TrackedMarkets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keeper_tracked_markets",
		Help: "Markets known to the attempt tracker by last status",
	}, []string{"status"})

	CircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_circuit_open",
		Help: "1 when the circuit breaker is open, 0 otherwise",
	})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_alerts_sent_total",
		Help: "Operator alerts by channel and result",
	}, []string{"channel", "result"})
)

package models

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ThresholdDecimals is the fixed-point scale of market thresholds
const ThresholdDecimals = 8

// Market is a snapshot of an oracle-settled binary market, as seen by the index
// and enriched with its on-chain oracle configuration
type Market struct {
	ID          uint64      `json:"id"`
	FeedID      common.Hash `json:"feed_id"`
	Threshold   int64       `json:"threshold"`
	ExpiryTime  time.Time   `json:"expiry_time"`
	IsAboveWins bool        `json:"is_above_wins"`
	Resolved    bool        `json:"resolved"`
}

// MarketFilter reports whether a candidate should be handed out. Markets it
// rejects do not count against a fetch limit.
type MarketFilter func(ctx context.Context, market Market) bool

// Expired reports whether the market expiry lies strictly before now
func (m Market) Expired(now time.Time) bool {
	return m.ExpiryTime.Before(now)
}

// IsCandidate reports whether the snapshot is a valid resolution candidate
func (m Market) IsCandidate(now time.Time) bool {
	return m.Expired(now) && !m.Resolved
}

// ThresholdDecimal returns the threshold as a decimal price
func (m Market) ThresholdDecimal() decimal.Decimal {
	return decimal.New(m.Threshold, -ThresholdDecimals)
}

// Direction returns "above" or "below"
func (m Market) Direction() string {
	if m.IsAboveWins {
		return "above"
	}
	return "below"
}

// ExpectedOutcome returns the side the given price would settle the market to
func (m Market) ExpectedOutcome(price decimal.Decimal) string {
	threshold := m.ThresholdDecimal()
	if m.IsAboveWins {
		if price.GreaterThanOrEqual(threshold) {
			return "YES"
		}
		return "NO"
	}
	if price.LessThan(threshold) {
		return "YES"
	}
	return "NO"
}

func (m Market) String() string {
	return fmt.Sprintf("market %d (feed %s, %s %s, expiry %s)",
		m.ID, m.FeedID.Hex(), m.Direction(), m.ThresholdDecimal().String(), m.ExpiryTime.UTC().Format(time.RFC3339))
}

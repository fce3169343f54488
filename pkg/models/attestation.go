package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PriceSnapshot is the parsed price carried alongside a signed update
type PriceSnapshot struct {
	FeedID      common.Hash
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime time.Time
}

// Decimal returns the price scaled by its exponent
func (p PriceSnapshot) Decimal() decimal.Decimal {
	return decimal.New(p.Price, p.Expo)
}

// AttestationBundle holds signed price updates to be posted on-chain verbatim.
// Bundles are never reused across resolution attempts.
type AttestationBundle struct {
	FeedIDs    []common.Hash
	UpdateData [][]byte
	Prices     []PriceSnapshot
	FetchedAt  time.Time
}

// Empty reports whether the bundle carries no update payloads
func (b *AttestationBundle) Empty() bool {
	return b == nil || len(b.UpdateData) == 0
}

// PriceFor returns the parsed price for a feed, if present
func (b *AttestationBundle) PriceFor(feedID common.Hash) (PriceSnapshot, bool) {
	if b == nil {
		return PriceSnapshot{}, false
	}
	for _, p := range b.Prices {
		if p.FeedID == feedID {
			return p, true
		}
	}
	return PriceSnapshot{}, false
}

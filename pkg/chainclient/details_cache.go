package chainclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

// DetailsReader reads the oracle configuration of a market
type DetailsReader interface {
	MarketDetails(ctx context.Context, marketID uint64) (models.Market, error)
}

// DetailsCache caches market details. Feed, threshold, expiry and direction
// never change once a market exists, so only the resolved flag can go stale
// and it is re-checked on chain before every submission anyway.
// Markets without oracle configuration are cached too.
type DetailsCache struct {
	reader   DetailsReader
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[uint64]*cachedDetails
}

type cachedDetails struct {
	market    models.Market
	err       error
	timestamp time.Time
}

// NewDetailsCache creates a new details cache in front of reader
func NewDetailsCache(reader DetailsReader, cacheTTL time.Duration) *DetailsCache {
	return &DetailsCache{
		reader:   reader,
		cacheTTL: cacheTTL,
		now:      time.Now,
		cache:    make(map[uint64]*cachedDetails),
	}
}

// MarketDetails returns cached details or reads them through
func (c *DetailsCache) MarketDetails(ctx context.Context, marketID uint64) (models.Market, error) {
	if cached, ok := c.get(marketID); ok {
		return cached.market, cached.err
	}

	market, err := c.reader.MarketDetails(ctx, marketID)
	if err != nil && !errors.Is(err, ErrNotOracleMarket) {
		return models.Market{}, err
	}
	c.set(marketID, market, err)
	return market, err
}

func (c *DetailsCache) get(marketID uint64) (cachedDetails, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[marketID]
	if !exists || c.now().Sub(cached.timestamp) > c.cacheTTL {
		return cachedDetails{}, false
	}
	return *cached, true
}

func (c *DetailsCache) set(marketID uint64, market models.Market, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[marketID] = &cachedDetails{
		market:    market,
		err:       err,
		timestamp: c.now(),
	}
}

// MarkResolved flips the cached resolved flag once a resolution is confirmed
func (c *DetailsCache) MarkResolved(marketID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, exists := c.cache[marketID]; exists {
		cached.market.Resolved = true
	}
}

// Len returns the number of cached entries
func (c *DetailsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Clear removes all cached entries
func (c *DetailsCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[uint64]*cachedDetails)
}

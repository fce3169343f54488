package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

// MockIndex serves a fixed market list, filtered by a clock the way the
// subgraph filters by its own time
type MockIndex struct {
	mu      sync.Mutex
	markets []models.Market
	now     func() time.Time
	// Raw disables the filter to return markets as-is
	Raw   bool
	Err   error
	Calls int
	// OnFetch runs on every call, before results are computed
	OnFetch func(call int)
}

// NewMockIndex creates an index over markets
func NewMockIndex(now func() time.Time, markets ...models.Market) *MockIndex {
	return &MockIndex{markets: markets, now: now}
}

// SetMarkets replaces the market list
func (m *MockIndex) SetMarkets(markets ...models.Market) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets = markets
}

// MarkResolved flags a market resolved in the index
func (m *MockIndex) MarkResolved(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.markets {
		if m.markets[i].ID == id {
			m.markets[i].Resolved = true
		}
	}
}

// FetchExpiredUnresolved returns up to limit candidates, oldest first
func (m *MockIndex) FetchExpiredUnresolved(ctx context.Context, limit int) ([]models.Market, error) {
	return m.FetchCandidates(ctx, limit, nil)
}

// FetchCandidates implements keeper.MarketSource
func (m *MockIndex) FetchCandidates(ctx context.Context, limit int, keep models.MarketFilter) ([]models.Market, error) {
	m.mu.Lock()
	m.Calls++
	call := m.Calls
	onFetch := m.OnFetch
	m.mu.Unlock()

	if onFetch != nil {
		onFetch(call)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return []models.Market{}, m.Err
	}

	out := make([]models.Market, 0, len(m.markets))
	for _, market := range m.markets {
		if m.Raw || market.IsCandidate(m.now()) {
			out = append(out, market)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiryTime.Before(out[j].ExpiryTime) })
	if keep != nil {
		kept := out[:0]
		for _, market := range out {
			if keep(ctx, market) {
				kept = append(kept, market)
			}
		}
		out = kept
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package mocks

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

// MockOracle is a scriptable attestation client
type MockOracle struct {
	mu sync.Mutex

	// Bundles holds a canned bundle per feed; feeds not listed get a default one
	Bundles  map[common.Hash]*models.AttestationBundle
	FetchErr error
	Fee      *big.Int
	FeeErr   error

	FetchCalls int
	QuoteCalls int
}

// NewMockOracle returns an oracle that always has data and quotes a fee of 100
func NewMockOracle() *MockOracle {
	return &MockOracle{
		Bundles: make(map[common.Hash]*models.AttestationBundle),
		Fee:     big.NewInt(100),
	}
}

// FetchUpdate implements keeper.Attestor
func (m *MockOracle) FetchUpdate(_ context.Context, feedID common.Hash) (*models.AttestationBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchCalls++
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	if bundle, ok := m.Bundles[feedID]; ok {
		return bundle, nil
	}
	return &models.AttestationBundle{
		FeedIDs:    []common.Hash{feedID},
		UpdateData: [][]byte{append([]byte{0x50, 0x4e, 0x41, 0x55}, feedID.Bytes()...)},
		Prices: []models.PriceSnapshot{{
			FeedID:      feedID,
			Price:       6500000000000,
			Expo:        -8,
			PublishTime: time.Unix(1_700_000_000, 0),
		}},
		FetchedAt: time.Now(),
	}, nil
}

// QuoteFee implements keeper.Attestor
func (m *MockOracle) QuoteFee(_ context.Context, _ *models.AttestationBundle) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuoteCalls++
	if m.FeeErr != nil {
		return nil, m.FeeErr
	}
	return new(big.Int).Set(m.Fee), nil
}

// Calls returns the number of fetch and quote calls
func (m *MockOracle) Calls() (fetch, quote int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FetchCalls, m.QuoteCalls
}

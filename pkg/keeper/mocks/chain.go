package mocks

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xMgwan/betuaa-sub000/pkg/chainclient"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

// SubmitCall records one Submit invocation
type SubmitCall struct {
	MarketID    uint64
	Fee         *big.Int
	GasEstimate uint64
	Bundle      *models.AttestationBundle
}

// MockChain is a scriptable chain client. Per-market values fall back to
// the defaults when not set.
type MockChain struct {
	mu sync.Mutex

	// Resolvable is consulted per market; markets not listed are resolvable
	Resolvable      map[uint64]bool
	ResolvableErr   error
	GasEstimate     uint64
	EstimateErr     error
	SubmitHash      common.Hash
	SubmitErr       error
	Confirmation    chainclient.Status
	RevertReason    string
	ConfirmErr      error
	TxStatuses      map[common.Hash]chainclient.Status
	TxStatusErr     error
	SubmitBlocksFor time.Duration

	ResolvableCalls int
	EstimateCalls   int
	Submits         []SubmitCall
	AwaitCalls      int
	TxStatusCalls   int
	// OnSubmit runs after a successful submit, e.g. to flip resolvability
	OnSubmit func(marketID uint64)
}

// NewMockChain returns a chain where everything succeeds
func NewMockChain() *MockChain {
	return &MockChain{
		Resolvable:   make(map[uint64]bool),
		GasEstimate:  150000,
		SubmitHash:   common.HexToHash("0xabc"),
		Confirmation: chainclient.StatusConfirmed,
		TxStatuses:   make(map[common.Hash]chainclient.Status),
	}
}

// SetResolvable sets the on-chain resolvability of a market
func (m *MockChain) SetResolvable(marketID uint64, resolvable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resolvable[marketID] = resolvable
}

// SetTxStatus sets what TxStatus reports for hash
func (m *MockChain) SetTxStatus(hash common.Hash, status chainclient.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TxStatuses[hash] = status
}

// IsResolvable implements keeper.Chain
func (m *MockChain) IsResolvable(_ context.Context, marketID uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResolvableCalls++
	if m.ResolvableErr != nil {
		return false, m.ResolvableErr
	}
	resolvable, ok := m.Resolvable[marketID]
	if !ok {
		return true, nil
	}
	return resolvable, nil
}

// EstimateGas implements keeper.Chain
func (m *MockChain) EstimateGas(_ context.Context, _ uint64, _ *models.AttestationBundle, _ *big.Int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EstimateCalls++
	if m.EstimateErr != nil {
		return 0, m.EstimateErr
	}
	return m.GasEstimate, nil
}

// Submit implements keeper.Chain. It honors SubmitBlocksFor and ignores
// cancellation the way a real broadcast would not be undone.
func (m *MockChain) Submit(ctx context.Context, marketID uint64, bundle *models.AttestationBundle, fee *big.Int, gasEstimate uint64) (common.Hash, error) {
	m.mu.Lock()
	block := m.SubmitBlocksFor
	m.mu.Unlock()

	if block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		}
	}

	m.mu.Lock()
	if m.SubmitErr != nil {
		err := m.SubmitErr
		m.mu.Unlock()
		return common.Hash{}, err
	}
	m.Submits = append(m.Submits, SubmitCall{MarketID: marketID, Fee: fee, GasEstimate: gasEstimate, Bundle: bundle})
	hash := m.SubmitHash
	onSubmit := m.OnSubmit
	m.mu.Unlock()

	if onSubmit != nil {
		onSubmit(marketID)
	}
	return hash, nil
}

// AwaitConfirmation implements keeper.Chain
func (m *MockChain) AwaitConfirmation(_ context.Context, txHash common.Hash, _ time.Duration) (chainclient.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AwaitCalls++
	if m.ConfirmErr != nil {
		return chainclient.Confirmation{TxHash: txHash}, m.ConfirmErr
	}
	return chainclient.Confirmation{
		TxHash:       txHash,
		Status:       m.Confirmation,
		GasUsed:      m.GasEstimate,
		RevertReason: m.RevertReason,
	}, nil
}

// TxStatus implements keeper.Chain. Unknown hashes are pending.
func (m *MockChain) TxStatus(_ context.Context, txHash common.Hash) (chainclient.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TxStatusCalls++
	if m.TxStatusErr != nil {
		return chainclient.Confirmation{TxHash: txHash}, m.TxStatusErr
	}
	status, ok := m.TxStatuses[txHash]
	if !ok {
		status = chainclient.StatusPending
	}
	return chainclient.Confirmation{TxHash: txHash, Status: status}, nil
}

// SubmitCount returns the number of successful submissions
func (m *MockChain) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submits)
}

// ErrRPCTimeout is a canned transport error
var ErrRPCTimeout = errors.New("Post \"http://rpc\": context deadline exceeded (Client.Timeout exceeded)")

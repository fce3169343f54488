package blockchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xMgwan/betuaa-sub000/pkg/logger"
)

// DefaultResyncInterval is how long a locally tracked nonce is trusted
// before it is compared against the node again
const DefaultResyncInterval = 5 * time.Minute

// TransactionStatus represents the status of a transaction
type TransactionStatus int

const (
	// TxPending indicates transaction is pending
	TxPending TransactionStatus = iota
	// TxConfirmed indicates transaction is confirmed
	TxConfirmed
	// TxFailed indicates transaction has failed
	TxFailed
)

// TransactionRecord tracks details about a transaction
type TransactionRecord struct {
	Hash      common.Hash
	Nonce     uint64
	MarketID  uint64
	CreatedAt time.Time
	Status    TransactionStatus
}

// NonceSource reads the pending nonce of an account
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager allocates nonces for the single keeper signer and remembers
// which transaction used which nonce
type NonceManager struct {
	source  NonceSource
	address common.Address
	logger  logger.Logger
	now     func() time.Time

	mu             sync.Mutex
	currentNonce   uint64
	pendingTxs     map[uint64]*TransactionRecord
	lastSync       time.Time
	resyncInterval time.Duration
}

// NewNonceManager creates a new nonce manager for address
func NewNonceManager(source NonceSource, address common.Address, log logger.Logger) *NonceManager {
	return &NonceManager{
		source:         source,
		address:        address,
		logger:         log,
		now:            time.Now,
		pendingTxs:     make(map[uint64]*TransactionRecord),
		resyncInterval: DefaultResyncInterval,
	}
}

// SetResyncInterval sets how long the tracked nonce is trusted
func (nm *NonceManager) SetResyncInterval(interval time.Duration) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.resyncInterval = interval
}

// Reserve reserves and returns the next available nonce
func (nm *NonceManager) Reserve(ctx context.Context) (uint64, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.lastSync.IsZero() || nm.now().Sub(nm.lastSync) > nm.resyncInterval {
		if err := nm.syncLocked(ctx); err != nil {
			return 0, err
		}
	}

	nonce := nm.currentNonce
	nm.currentNonce++
	return nonce, nil
}

// Track records the transaction broadcast with nonce
func (nm *NonceManager) Track(marketID uint64, txHash common.Hash, nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.pendingTxs[nonce] = &TransactionRecord{
		Hash:      txHash,
		Nonce:     nonce,
		MarketID:  marketID,
		CreatedAt: nm.now(),
		Status:    TxPending,
	}
	nm.logger.DebugWithMarket(marketID, "Tracking transaction with nonce %d: %s", nonce, txHash.Hex())
}

// Confirm forgets the transaction that used nonce once it is mined,
// whatever its execution status
func (nm *NonceManager) Confirm(nonce uint64) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	tx, exists := nm.pendingTxs[nonce]
	if !exists {
		return false
	}
	tx.Status = TxConfirmed
	delete(nm.pendingTxs, nonce)
	return true
}

// ConfirmHash forgets a mined transaction identified by hash
func (nm *NonceManager) ConfirmHash(txHash common.Hash) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	for nonce, tx := range nm.pendingTxs {
		if tx.Hash == txHash {
			tx.Status = TxConfirmed
			delete(nm.pendingTxs, nonce)
			return true
		}
	}
	return false
}

// Release gives back a nonce whose transaction never reached the node.
// The nonce is reused only if nothing above it was handed out since.
func (nm *NonceManager) Release(nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if tx, exists := nm.pendingTxs[nonce]; exists {
		tx.Status = TxFailed
		delete(nm.pendingTxs, nonce)
	}

	if nm.currentNonce == nonce+1 {
		nm.currentNonce = nonce
		nm.logger.Debug("Nonce %d released for reuse", nonce)
		return
	}

	// a later nonce is already out, so the gap must be closed by the node's view
	nm.lastSync = time.Time{}
}

// Sync synchronizes nonce state with the node
func (nm *NonceManager) Sync(ctx context.Context) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.syncLocked(ctx)
}

func (nm *NonceManager) syncLocked(ctx context.Context) error {
	nonce, err := nm.source.PendingNonceAt(ctx, nm.address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %w", err)
	}

	if nonce != nm.currentNonce {
		nm.logger.Info("Updating nonce from node: %d -> %d", nm.currentNonce, nonce)
	}
	// the node is authoritative; pending records below its nonce are mined
	nm.currentNonce = nonce
	for n := range nm.pendingTxs {
		if n < nonce {
			delete(nm.pendingTxs, n)
		}
	}
	nm.lastSync = nm.now()
	return nil
}

// Pending returns the number of broadcast transactions not yet confirmed
func (nm *NonceManager) Pending() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return len(nm.pendingTxs)
}

// PendingFor returns the pending transaction of a market, if any
func (nm *NonceManager) PendingFor(marketID uint64) (TransactionRecord, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	for _, tx := range nm.pendingTxs {
		if tx.MarketID == marketID {
			return *tx, true
		}
	}
	return TransactionRecord{}, false
}

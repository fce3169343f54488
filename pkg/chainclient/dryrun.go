package chainclient

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

// Reader is the read side of the chain client
type Reader interface {
	IsResolvable(ctx context.Context, marketID uint64) (bool, error)
	EstimateGas(ctx context.Context, marketID uint64, bundle *models.AttestationBundle, fee *big.Int) (uint64, error)
	TxStatus(ctx context.Context, txHash common.Hash) (Confirmation, error)
	Balance(ctx context.Context) (*big.Int, error)
}

// DryRunClient runs every read and simulation against the live chain but
// never signs or broadcasts. Submit returns a synthetic hash derived from the
// market and the update payload.
type DryRunClient struct {
	Reader
	logger zerolog.Logger

	mu        sync.Mutex
	submitted map[common.Hash]uint64
}

// NewDryRunClient wraps reader
func NewDryRunClient(reader Reader, logger zerolog.Logger) *DryRunClient {
	return &DryRunClient{
		Reader:    reader,
		logger:    logger.With().Str("component", "chainclient").Bool("dry_run", true).Logger(),
		submitted: make(map[common.Hash]uint64),
	}
}

// SyntheticTxHash is the hash a dry run reports for a resolution
func SyntheticTxHash(marketID uint64, bundle *models.AttestationBundle) common.Hash {
	parts := [][]byte{[]byte("dry-run"), new(big.Int).SetUint64(marketID).Bytes()}
	if bundle != nil {
		parts = append(parts, bundle.UpdateData...)
	}
	return crypto.Keccak256Hash(parts...)
}

// Submit logs what would be sent and returns a synthetic hash
func (d *DryRunClient) Submit(_ context.Context, marketID uint64, bundle *models.AttestationBundle, fee *big.Int, gasEstimate uint64) (common.Hash, error) {
	hash := SyntheticTxHash(marketID, bundle)

	d.mu.Lock()
	d.submitted[hash] = marketID
	d.mu.Unlock()

	d.logger.Info().
		Uint64("market_id", marketID).
		Str("tx_hash", hash.Hex()).
		Str("fee", fee.String()).
		Uint64("gas_estimate", gasEstimate).
		Msg("Dry run: resolution transaction not sent")
	return hash, nil
}

// AwaitConfirmation reports synthetic transactions as confirmed
func (d *DryRunClient) AwaitConfirmation(ctx context.Context, txHash common.Hash, _ time.Duration) (Confirmation, error) {
	return d.TxStatus(ctx, txHash)
}

// TxStatus reports synthetic transactions as confirmed and defers the rest
func (d *DryRunClient) TxStatus(ctx context.Context, txHash common.Hash) (Confirmation, error) {
	d.mu.Lock()
	_, synthetic := d.submitted[txHash]
	d.mu.Unlock()

	if synthetic {
		return Confirmation{TxHash: txHash, Status: StatusConfirmed}, nil
	}
	return d.Reader.TxStatus(ctx, txHash)
}

// Package testutil runs chain code against an in-process simulated backend.
package testutil

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"
)

// DefaultTestTimeout bounds calls made against the simulation
const DefaultTestTimeout = 5 * time.Second

// Simulation is a funded signer on a simulated chain
type Simulation struct {
	Backend *simulated.Backend
	Key     *ecdsa.PrivateKey
	Address common.Address
	Balance *big.Int
}

// SetupSimulation creates a simulated chain with one signer holding 10 ETH.
// The backend is closed when the test ends.
func SetupSimulation(t *testing.T) *Simulation {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate private key")
	address := crypto.PubkeyToAddress(key.PublicKey)

	balance := EtherToWei(10)
	//nolint:SA1019 // GenesisAccount is what the simulated backend accepts here
	alloc := map[common.Address]core.GenesisAccount{
		address: {Balance: balance},
	}

	sim := simulated.NewBackend(alloc)
	t.Cleanup(func() { _ = sim.Close() })

	return &Simulation{Backend: sim, Key: key, Address: address, Balance: balance}
}

// Transfer sends value wei from the signer to to and mines it
func (s *Simulation) Transfer(t *testing.T, to common.Address, value *big.Int) *types.Transaction {
	t.Helper()
	ctx, cancel := Context(t)
	defer cancel()

	client := s.Backend.Client()
	nonce, err := client.PendingNonceAt(ctx, s.Address)
	require.NoError(t, err)
	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	head, err := client.HeaderByNumber(ctx, nil)
	require.NoError(t, err)

	gasFeeCap := new(big.Int).Add(head.BaseFee, big.NewInt(1_000_000_000))
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: gasFeeCap,
		Gas:       21000,
		To:        &to,
		Value:     value,
	}), types.LatestSignerForChainID(chainID), s.Key)
	require.NoError(t, err)

	require.NoError(t, client.SendTransaction(ctx, tx))
	s.Backend.Commit()
	return tx
}

// GenerateAddress creates a random address for testing
func GenerateAddress() common.Address {
	privateKey, _ := crypto.GenerateKey()
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// EtherToWei converts whole ether to wei
func EtherToWei(eth int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(eth), big.NewInt(1_000_000_000_000_000_000))
}

// Context returns a context bounded by DefaultTestTimeout
func Context(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), DefaultTestTimeout)
}

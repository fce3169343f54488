package chainclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/0xMgwan/betuaa-sub000/pkg/blockchain"
	"github.com/0xMgwan/betuaa-sub000/pkg/contracts"
	applog "github.com/0xMgwan/betuaa-sub000/pkg/logger"
	"github.com/0xMgwan/betuaa-sub000/pkg/metrics"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

// ErrNotOracleMarket is returned for market ids the resolver has no oracle configuration for
var ErrNotOracleMarket = errors.New("market has no oracle configuration")

// Status is what the chain reports about a submitted transaction
type Status int

const (
	// StatusUnknown means no verdict could be reached before the wait ended
	StatusUnknown Status = iota
	// StatusPending means the node knows the transaction but it is not mined
	StatusPending
	// StatusConfirmed means the transaction was mined and succeeded
	StatusConfirmed
	// StatusReverted means the transaction was mined and reverted
	StatusReverted
	// StatusDropped means the node no longer knows the transaction
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	case StatusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Confirmation describes the state of a transaction
type Confirmation struct {
	TxHash            common.Hash
	Status            Status
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	RevertReason      string
}

// Backend is the subset of the RPC client the keeper needs.
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options configures the chain client
type Options struct {
	ResolverAddress common.Address
	// OracleAddress is read from the resolver when left zero
	OracleAddress common.Address
	// ChainID is read from the node when nil; when set it must match the node
	ChainID             *big.Int
	GasLimitMultiplier  float64
	GasPriceMultiplier  float64
	MaxGasPrice         *big.Int
	RequestTimeout      time.Duration
	ReceiptPollInterval time.Duration
	// LogColoring colors the market prefix of nonce manager lines
	LogColoring bool
}

func (o *Options) setDefaults() {
	if o.GasLimitMultiplier < 1 {
		o.GasLimitMultiplier = 1.2
	}
	if o.GasPriceMultiplier < 1 {
		o.GasPriceMultiplier = 1.1
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.ReceiptPollInterval <= 0 {
		o.ReceiptPollInterval = 2 * time.Second
	}
}

// Client wraps the RPC connection, the resolver and oracle bindings
// and the keeper signer
type Client struct {
	backend     Backend
	resolver    *contracts.Resolver
	resolverABI abi.ABI
	oracle      *contracts.OracleCaller
	oracleAddr  common.Address
	auth        *bind.TransactOpts
	from        common.Address
	chainID     *big.Int
	nonces      *blockchain.NonceManager
	opts        Options
	logger      zerolog.Logger

	mu              sync.RWMutex
	currentGasPrice *big.Int
}

// Dial connects to rpcURL and creates a client for it
func Dial(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, opts Options, logger zerolog.Logger) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rpcClient, err := ethclient.DialContext(dialCtx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %w", err)
	}
	client, err := New(ctx, rpcClient, key, opts, logger)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	return client, nil
}

// New creates a client on top of an existing backend
func New(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, opts Options, logger zerolog.Logger) (*Client, error) {
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	opts.setDefaults()

	c := &Client{
		backend: backend,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		opts:    opts,
		logger:  logger.With().Str("component", "chainclient").Logger(),
	}

	reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
	defer cancel()

	chainID, err := backend.ChainID(reqCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if opts.ChainID != nil && opts.ChainID.Sign() > 0 && opts.ChainID.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("RPC chain ID %s does not match configured chain ID %s", chainID, opts.ChainID)
	}
	c.chainID = chainID

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	c.auth = auth

	resolver, err := contracts.NewResolver(opts.ResolverAddress, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resolver contract: %w", err)
	}
	c.resolver = resolver

	parsed, err := contracts.ParsedResolverABI()
	if err != nil {
		return nil, err
	}
	c.resolverABI = parsed

	c.oracleAddr = opts.OracleAddress
	if c.oracleAddr == (common.Address{}) {
		c.oracleAddr, err = resolver.Pyth(&bind.CallOpts{Context: reqCtx})
		if err != nil {
			return nil, fmt.Errorf("failed to read oracle address from resolver %s: %w", opts.ResolverAddress.Hex(), err)
		}
	}
	oracle, err := contracts.NewOracleCaller(c.oracleAddr, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oracle contract: %w", err)
	}
	c.oracle = oracle

	c.nonces = blockchain.NewNonceManager(backend, c.from,
		applog.NewLogger(logger.With().Str("component", "nonce_manager").Logger(), opts.LogColoring))

	c.logger.Info().
		Str("signer", c.from.Hex()).
		Str("chain_id", chainID.String()).
		Str("resolver", opts.ResolverAddress.Hex()).
		Str("oracle", c.oracleAddr.Hex()).
		Msg("Chain client initialized")

	return c, nil
}

// Address returns the signer address
func (c *Client) Address() common.Address {
	return c.from
}

// ChainID returns the chain id reported by the node
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// OracleAddress returns the oracle contract the fee is quoted against
func (c *Client) OracleAddress() common.Address {
	return c.oracleAddr
}

// Backend returns the underlying RPC backend
func (c *Client) Backend() Backend {
	return c.backend
}

func (c *Client) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.RequestTimeout)
}

// IsResolvable asks the resolver whether the market can be resolved right now
func (c *Client) IsResolvable(ctx context.Context, marketID uint64) (bool, error) {
	reqCtx, cancel := c.timeout(ctx)
	defer cancel()

	ok, err := c.resolver.CanResolve(&bind.CallOpts{Context: reqCtx, From: c.from}, new(big.Int).SetUint64(marketID))
	if err != nil {
		return false, fmt.Errorf("failed to check resolvability: %w", err)
	}
	return ok, nil
}

// MarketDetails reads the oracle configuration of a market from the resolver
func (c *Client) MarketDetails(ctx context.Context, marketID uint64) (models.Market, error) {
	reqCtx, cancel := c.timeout(ctx)
	defer cancel()

	details, err := c.resolver.PythMarkets(&bind.CallOpts{Context: reqCtx}, new(big.Int).SetUint64(marketID))
	if err != nil {
		return models.Market{}, fmt.Errorf("failed to read market %d details: %w", marketID, err)
	}
	if details.PriceId == ([32]byte{}) {
		return models.Market{}, fmt.Errorf("market %d: %w", marketID, ErrNotOracleMarket)
	}

	market := models.Market{
		ID:          marketID,
		FeedID:      common.Hash(details.PriceId),
		Threshold:   details.Threshold,
		IsAboveWins: details.IsAbove,
		Resolved:    details.Resolved,
	}
	if details.ExpiryTime != nil {
		market.ExpiryTime = time.Unix(details.ExpiryTime.Int64(), 0).UTC()
	}
	return market, nil
}

// UpdateFee quotes the oracle fee for posting updateData
func (c *Client) UpdateFee(ctx context.Context, updateData [][]byte) (*big.Int, error) {
	reqCtx, cancel := c.timeout(ctx)
	defer cancel()

	fee, err := c.oracle.GetUpdateFee(&bind.CallOpts{Context: reqCtx}, updateData)
	if err != nil {
		return nil, fmt.Errorf("failed to quote update fee: %w", err)
	}
	return fee, nil
}

func (c *Client) resolveCallData(marketID uint64, bundle *models.AttestationBundle) ([]byte, error) {
	if bundle.Empty() {
		return nil, errors.New("attestation bundle is empty")
	}
	data, err := c.resolverABI.Pack("resolveMarket", new(big.Int).SetUint64(marketID), bundle.UpdateData)
	if err != nil {
		return nil, fmt.Errorf("failed to pack resolveMarket call: %w", err)
	}
	return data, nil
}

// EstimateGas simulates the resolution call with the fee attached and
// returns the gas it used. A revert surfaces as an error carrying the reason.
func (c *Client) EstimateGas(ctx context.Context, marketID uint64, bundle *models.AttestationBundle, fee *big.Int) (uint64, error) {
	data, err := c.resolveCallData(marketID, bundle)
	if err != nil {
		return 0, err
	}

	reqCtx, cancel := c.timeout(ctx)
	defer cancel()

	to := c.opts.ResolverAddress
	gas, err := c.backend.EstimateGas(reqCtx, ethereum.CallMsg{
		From:  c.from,
		To:    &to,
		Value: fee,
		Data:  data,
	})
	if err != nil {
		return 0, fmt.Errorf("gas estimation failed: %w", err)
	}
	return gas, nil
}

// GasWithHeadroom applies multiplier to estimate and rounds up
func GasWithHeadroom(estimate uint64, multiplier float64) uint64 {
	if multiplier <= 1 {
		return estimate
	}
	return uint64(decimal.NewFromInt(int64(estimate)).
		Mul(decimal.NewFromFloat(multiplier)).
		Ceil().
		IntPart())
}

// UpdateGasPrice refreshes the gas price from the node, applies the
// multiplier and enforces the configured ceiling
func (c *Client) UpdateGasPrice(ctx context.Context) (*big.Int, error) {
	reqCtx, cancel := c.timeout(ctx)
	defer cancel()

	suggested, err := c.backend.SuggestGasPrice(reqCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	gasPrice := decimal.NewFromBigInt(suggested, 0).
		Mul(decimal.NewFromFloat(c.opts.GasPriceMultiplier)).
		Ceil().
		BigInt()

	c.mu.Lock()
	c.currentGasPrice = gasPrice
	c.mu.Unlock()

	gwei, _ := models.WeiToGwei(gasPrice).Float64()
	metrics.GasPrice.Set(gwei)

	if c.opts.MaxGasPrice != nil && c.opts.MaxGasPrice.Sign() > 0 && gasPrice.Cmp(c.opts.MaxGasPrice) > 0 {
		return nil, fmt.Errorf("gas price %s exceeds max gas price %s", gasPrice, c.opts.MaxGasPrice)
	}
	return gasPrice, nil
}

// CurrentGasPrice returns the last gas price computed by UpdateGasPrice
func (c *Client) CurrentGasPrice() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.currentGasPrice == nil {
		return nil
	}
	return new(big.Int).Set(c.currentGasPrice)
}

// Submit signs and broadcasts the resolution transaction. The gas limit is
// gasEstimate scaled by the configured multiplier, rounded up.
func (c *Client) Submit(ctx context.Context, marketID uint64, bundle *models.AttestationBundle, fee *big.Int, gasEstimate uint64) (common.Hash, error) {
	if bundle.Empty() {
		return common.Hash{}, errors.New("attestation bundle is empty")
	}

	gasPrice, err := c.UpdateGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := c.nonces.Reserve(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	reqCtx, cancel := c.timeout(ctx)
	defer cancel()

	opts := &bind.TransactOpts{
		From:     c.from,
		Signer:   c.auth.Signer,
		Nonce:    new(big.Int).SetUint64(nonce),
		Value:    fee,
		GasPrice: gasPrice,
		GasLimit: GasWithHeadroom(gasEstimate, c.opts.GasLimitMultiplier),
		Context:  reqCtx,
	}

	tx, err := c.resolver.ResolveMarket(opts, new(big.Int).SetUint64(marketID), bundle.UpdateData)
	if err != nil {
		c.nonces.Release(nonce)
		if isNonceError(err) {
			if syncErr := c.nonces.Sync(ctx); syncErr != nil {
				c.logger.Warn().Err(syncErr).Msg("Failed to resync nonce")
			}
		}
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.nonces.Track(marketID, tx.Hash(), nonce)
	c.logger.Info().
		Uint64("market_id", marketID).
		Str("tx_hash", tx.Hash().Hex()).
		Uint64("nonce", nonce).
		Uint64("gas_limit", opts.GasLimit).
		Str("gas_price", gasPrice.String()).
		Str("fee", fee.String()).
		Msg("Resolution transaction sent")

	return tx.Hash(), nil
}

// AwaitConfirmation polls for the receipt of txHash until it appears,
// timeout elapses or ctx is done. Anything short of a receipt is reported as
// StatusUnknown and never as a failure.
func (c *Client) AwaitConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (Confirmation, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		if conf, found := c.receipt(ctx, txHash); found {
			return conf, nil
		}

		select {
		case <-ctx.Done():
			return Confirmation{TxHash: txHash, Status: StatusUnknown}, nil
		case <-deadline.C:
			c.logger.Warn().
				Str("tx_hash", txHash.Hex()).
				Dur("timeout", timeout).
				Msg("Confirmation wait timed out")
			return Confirmation{TxHash: txHash, Status: StatusUnknown}, nil
		case <-ticker.C:
		}
	}
}

// TxStatus reports the current state of a previously sent transaction
func (c *Client) TxStatus(ctx context.Context, txHash common.Hash) (Confirmation, error) {
	if conf, found := c.receipt(ctx, txHash); found {
		return conf, nil
	}

	reqCtx, cancel := c.timeout(ctx)
	defer cancel()

	_, _, err := c.backend.TransactionByHash(reqCtx, txHash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return Confirmation{TxHash: txHash, Status: StatusDropped}, nil
	case err != nil:
		return Confirmation{TxHash: txHash, Status: StatusUnknown}, fmt.Errorf("failed to get transaction: %w", err)
	}
	// known to the node without a receipt yet
	return Confirmation{TxHash: txHash, Status: StatusPending}, nil
}

func (c *Client) receipt(ctx context.Context, txHash common.Hash) (Confirmation, bool) {
	reqCtx, cancel := c.timeout(ctx)
	defer cancel()

	receipt, err := c.backend.TransactionReceipt(reqCtx, txHash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug().Err(err).Str("tx_hash", txHash.Hex()).Msg("Receipt lookup failed")
		}
		return Confirmation{}, false
	}

	c.nonces.ConfirmHash(txHash)

	conf := Confirmation{
		TxHash:            txHash,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}
	if receipt.BlockNumber != nil {
		conf.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		conf.Status = StatusConfirmed
		return conf, true
	}
	conf.Status = StatusReverted
	conf.RevertReason = c.revertReason(ctx, txHash, receipt.BlockNumber)
	return conf, true
}

// revertReason replays a reverted transaction at its block to recover the message
func (c *Client) revertReason(ctx context.Context, txHash common.Hash, block *big.Int) string {
	reqCtx, cancel := c.timeout(ctx)
	defer cancel()

	tx, _, err := c.backend.TransactionByHash(reqCtx, txHash)
	if err != nil {
		return ""
	}
	_, err = c.backend.CallContract(reqCtx, ethereum.CallMsg{
		From:     c.from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}, block)
	if err != nil {
		return err.Error()
	}
	return ""
}

// Balance returns the signer balance in wei
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	reqCtx, cancel := c.timeout(ctx)
	defer cancel()

	balance, err := c.backend.BalanceAt(reqCtx, c.from, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// BlockNumber gets the latest block number from the chain
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	reqCtx, cancel := c.timeout(ctx)
	defer cancel()
	return c.backend.BlockNumber(reqCtx)
}

// SyncNonce realigns the local nonce with the node
func (c *Client) SyncNonce(ctx context.Context) error {
	return c.nonces.Sync(ctx)
}

// PendingTransactions returns the number of sent transactions without a receipt
func (c *Client) PendingTransactions() int {
	return c.nonces.Pending()
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already known")
}

package chainclient

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xMgwan/betuaa-sub000/pkg/metrics"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

// AccountReader reads the signer balance and refreshes the gas price
type AccountReader interface {
	Balance(ctx context.Context) (*big.Int, error)
	UpdateGasPrice(ctx context.Context) (*big.Int, error)
}

// LowBalanceFunc is called once each time the balance drops below the minimum
type LowBalanceFunc func(ctx context.Context, balance, minimum *big.Int)

// BalanceMonitor periodically refreshes the signer balance and gas price gauges
type BalanceMonitor struct {
	reader     AccountReader
	interval   time.Duration
	minBalance *big.Int
	onLow      LowBalanceFunc
	logger     zerolog.Logger

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	low      bool
	balance  *big.Int
}

// NewBalanceMonitor creates a new balance monitor
func NewBalanceMonitor(reader AccountReader, interval time.Duration, minBalance *big.Int, onLow LowBalanceFunc, logger zerolog.Logger) *BalanceMonitor {
	if minBalance == nil {
		minBalance = big.NewInt(0)
	}
	return &BalanceMonitor{
		reader:     reader,
		interval:   interval,
		minBalance: minBalance,
		onLow:      onLow,
		logger:     logger.With().Str("component", "balance_monitor").Logger(),
	}
}

// Start begins the periodic updates
func (m *BalanceMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopChan = make(chan struct{})
	m.running = true

	go m.run(ctx, m.stopChan)
}

// Stop halts the periodic updates
func (m *BalanceMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	close(m.stopChan)
	m.stopChan = nil
	m.running = false
}

// IsRunning returns whether the routine is currently running
func (m *BalanceMonitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LastBalance returns the balance read by the last update, nil before the first
func (m *BalanceMonitor) LastBalance() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.balance == nil {
		return nil
	}
	return new(big.Int).Set(m.balance)
}

func (m *BalanceMonitor) run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Update(ctx)

	for {
		select {
		case <-ticker.C:
			m.Update(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			m.Stop()
			return
		}
	}
}

// Update performs a single refresh of balance and gas price
func (m *BalanceMonitor) Update(ctx context.Context) {
	if _, err := m.reader.UpdateGasPrice(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to update gas price")
	}

	balance, err := m.reader.Balance(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to read signer balance")
		return
	}

	eth, _ := models.WeiToEther(balance).Float64()
	metrics.SignerBalance.Set(eth)

	m.mu.Lock()
	m.balance = balance
	wasLow := m.low
	m.low = balance.Cmp(m.minBalance) < 0
	crossed := m.low && !wasLow
	m.mu.Unlock()

	if crossed {
		m.logger.Warn().
			Str("balance_eth", models.WeiToEther(balance).String()).
			Str("minimum_eth", models.WeiToEther(m.minBalance).String()).
			Msg("Signer balance below minimum")
		if m.onLow != nil {
			m.onLow(ctx, balance, m.minBalance)
		}
	}
}

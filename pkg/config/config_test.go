package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testResolver = "0x1234567890123456789012345678901234567890"
	testKey      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KEEPER_PRIVATE_KEY", testKey)
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("PYTH_RESOLVER_ADDRESS", testResolver)
	t.Setenv("HERMES_URL", "https://hermes.example.com")
	t.Setenv("SUBGRAPH_URL", "https://subgraph.example.com/graphql")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPollInterval, cfg.Scheduler.PollInterval)
	assert.Equal(t, DefaultMarketDelay, cfg.Scheduler.MarketDelay)
	assert.Equal(t, DefaultErrorBackoff, cfg.Scheduler.ErrorBackoff)
	assert.Equal(t, DefaultMaxMarketsPerCycle, cfg.Scheduler.MaxMarketsPerCycle)
	assert.Equal(t, DefaultConfirmationTimeout, cfg.Chain.ConfirmationTimeout)
	assert.Equal(t, DefaultGasLimitMultiplier, cfg.Chain.GasLimitMultiplier)
	assert.Equal(t, 0, cfg.Chain.MaxGasPrice.Sign())
	assert.Equal(t, "10000000000000000", cfg.Chain.MinBalance.String())
	assert.Equal(t, DefaultMaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, LockNone, cfg.Store.Lock)
	assert.True(t, cfg.CircuitBreaker.Enabled)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL", "15")
	t.Setenv("MARKET_DELAY", "500ms")
	t.Setenv("MAX_MARKETS_PER_CYCLE", "25")
	t.Setenv("MAX_GAS_PRICE", "50000000000")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("ALERT_EVENTS", "fatal,abandoned")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.MarketDelay)
	assert.Equal(t, 25, cfg.Scheduler.MaxMarketsPerCycle)
	assert.Equal(t, 0, cfg.Chain.MaxGasPrice.Cmp(big.NewInt(50_000_000_000)))
	assert.True(t, cfg.DryRun)
	assert.Equal(t, []string{"fatal", "abandoned"}, cfg.Alerting.Events)
}

func TestLoadConfigNetworkPreset(t *testing.T) {
	t.Setenv("KEEPER_PRIVATE_KEY", testKey)
	t.Setenv("PYTH_RESOLVER_ADDRESS", testResolver)
	t.Setenv("SUBGRAPH_URL", "https://subgraph.example.com/graphql")
	t.Setenv("NETWORK", "testnet")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "https://sepolia.base.org", cfg.Chain.RPCURL)
	assert.Equal(t, int64(84532), cfg.Chain.ChainID)
	assert.Equal(t, "0xA2aa501b19aff244D90cc15a4Cf739D2725B5729", cfg.Chain.OracleAddress)
	assert.Equal(t, DefaultHermesURL, cfg.Oracle.HermesURL)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	t.Setenv("KEEPER_PRIVATE_KEY", "")
	t.Setenv("PRIVATE_KEY", "")

	_, err := LoadConfig("")
	require.Error(t, err)

	for _, name := range []string{"KEEPER_PRIVATE_KEY", "RPC_URL", "PYTH_RESOLVER_ADDRESS", "HERMES_URL", "SUBGRAPH_URL"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestLoadConfigInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "bad resolver address",
			env:     map[string]string{"PYTH_RESOLVER_ADDRESS": "0x123"},
			wantErr: "invalid PYTH_RESOLVER_ADDRESS value",
		},
		{
			name:    "bad rpc url",
			env:     map[string]string{"RPC_URL": "not a url"},
			wantErr: "invalid RPC_URL value",
		},
		{
			name:    "zero markets per cycle",
			env:     map[string]string{"MAX_MARKETS_PER_CYCLE": "0"},
			wantErr: "MAX_MARKETS_PER_CYCLE must be greater than 0",
		},
		{
			name:    "gas multiplier below one",
			env:     map[string]string{"GAS_LIMIT_MULTIPLIER": "0.9"},
			wantErr: "invalid GAS_LIMIT_MULTIPLIER value",
		},
		{
			name:    "unknown network",
			env:     map[string]string{"NETWORK": "moon"},
			wantErr: "invalid NETWORK value",
		},
		{
			name:    "postgres store without url",
			env:     map[string]string{"TRACKER_STORE": "postgres"},
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "key file without password",
			env:     map[string]string{"KEEPER_PRIVATE_KEY": "", "KEEPER_KEY_FILE": "/tmp/key.json"},
			wantErr: "KEEPER_KEY_PASSWORD is required",
		},
		{
			name:    "telegram token without chat",
			env:     map[string]string{"TELEGRAM_BOT_TOKEN": "123:abc"},
			wantErr: "TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"LOG_LEVEL": "loud"},
			wantErr: "invalid LOG_LEVEL value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL", "")

	path := filepath.Join(t.TempDir(), "keeper.yaml")
	content := []byte("scheduler:\n  max_markets_per_cycle: 3\n  market_delay: 5s\nretry:\n  max_attempts: 4\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Scheduler.MaxMarketsPerCycle)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.MarketDelay)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
}

func TestRedacted(t *testing.T) {
	cfg := Config{Signer: SignerConfig{PrivateKey: testKey}, Metrics: MetricsConfig{APIKey: "secret"}}

	redacted := cfg.Redacted()

	assert.Equal(t, "****", redacted.Signer.PrivateKey)
	assert.Equal(t, "****", redacted.Metrics.APIKey)
	assert.Equal(t, testKey, cfg.Signer.PrivateKey)
}

func TestGetNetworkName(t *testing.T) {
	assert.Equal(t, "BASE", GetNetworkName(8453))
	assert.Equal(t, "BASE_SEPOLIA", GetNetworkName(84532))
	assert.Equal(t, "UNKNOWN", GetNetworkName(1))
	assert.Equal(t, "https://basescan.org/tx/0xabc", TxURL(8453, "0xabc"))
}

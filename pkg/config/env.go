package config

import (
	"fmt"
	"math/big"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// DefaultPollInterval is the cadence of resolution cycles
	DefaultPollInterval = 60 * time.Second

	// DefaultMarketDelay is the pause between two markets of the same cycle
	DefaultMarketDelay = 2 * time.Second

	// DefaultErrorBackoff is the pause after a failed cycle
	DefaultErrorBackoff = 30 * time.Second

	// DefaultMaxMarketsPerCycle caps how many candidates a cycle fetches
	DefaultMaxMarketsPerCycle = 10

	// DefaultConfirmationTimeout bounds the wait for a receipt
	DefaultConfirmationTimeout = 120 * time.Second

	// DefaultReceiptPollInterval is how often receipts are polled while waiting
	DefaultReceiptPollInterval = 2 * time.Second

	// DefaultRequestTimeout bounds every single RPC or HTTP call
	DefaultRequestTimeout = 10 * time.Second

	// DefaultGasLimitMultiplier is the headroom applied to simulated gas
	DefaultGasLimitMultiplier = 1.2

	// DefaultGasPriceMultiplier is the buffer applied to the suggested gas price
	DefaultGasPriceMultiplier = 1.1

	// DefaultMaxGasPrice caps the gas price in wei, 0 disables the cap
	DefaultMaxGasPrice = "0"

	// DefaultMinBalance is the signer balance under which a low balance alert fires (0.01 ETH)
	DefaultMinBalance = "10000000000000000"

	// DefaultMaxAttempts bounds unclear failures before a market is abandoned
	DefaultMaxAttempts = 10

	// DefaultBackoffBase is the first retry delay of a market
	DefaultBackoffBase = 10 * time.Second

	// DefaultBackoffMax caps the retry delay of a market
	DefaultBackoffMax = 2 * time.Minute

	// DefaultTerminalCooldown is how long a terminally failed market is excluded
	DefaultTerminalCooldown = time.Hour

	// DefaultFeedUnavailableAfter is the number of consecutive no-data cycles
	// after which a feed is considered unavailable, 0 disables the check
	DefaultFeedUnavailableAfter = 30

	// DefaultDetailsCacheTTL is how long on-chain market details are cached
	DefaultDetailsCacheTTL = 30 * time.Minute

	// DefaultHermesRateLimit is the number of oracle requests allowed per window
	DefaultHermesRateLimit = 30

	// DefaultHermesRateWindow is the oracle rate limit window
	DefaultHermesRateWindow = 10 * time.Second

	// DefaultMetricsPort defines the default port for the metrics server
	DefaultMetricsPort = "8080"

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 5 * time.Minute

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 15 * time.Minute

	// DefaultLockTTL bounds how long a per-market lock may be held
	DefaultLockTTL = 5 * time.Minute
)

// envBindings maps config keys to the environment variables that set them.
// The first name wins; later names are accepted aliases.
var envBindings = map[string][]string{
	"network": {"NETWORK", "CHAIN"},
	"dry_run": {"DRY_RUN"},

	"signer.private_key":  {"KEEPER_PRIVATE_KEY", "PRIVATE_KEY"},
	"signer.key_file":     {"KEEPER_KEY_FILE"},
	"signer.key_password": {"KEEPER_KEY_PASSWORD"},

	"chain.rpc_url":               {"RPC_URL"},
	"chain.chain_id":              {"CHAIN_ID"},
	"chain.resolver_address":      {"PYTH_RESOLVER_ADDRESS", "RESOLVER_ADDRESS"},
	"chain.oracle_address":        {"PYTH_ADDRESS", "ORACLE_ADDRESS"},
	"chain.request_timeout":       {"RPC_TIMEOUT"},
	"chain.confirmation_timeout":  {"CONFIRMATION_TIMEOUT"},
	"chain.receipt_poll_interval": {"RECEIPT_POLL_INTERVAL"},
	"chain.gas_limit_multiplier":  {"GAS_LIMIT_MULTIPLIER"},
	"chain.gas_price_multiplier":  {"GAS_PRICE_MULTIPLIER", "GAS_MULTIPLIER"},
	"chain.max_gas_price":         {"MAX_GAS_PRICE"},
	"chain.min_balance":           {"MIN_BALANCE_WEI"},

	"oracle.hermes_url":      {"HERMES_URL", "ORACLE_URL"},
	"oracle.api_key":         {"HERMES_API_KEY"},
	"oracle.request_timeout": {"HERMES_TIMEOUT"},
	"oracle.rate_limit":      {"HERMES_RATE_LIMIT"},
	"oracle.rate_window":     {"HERMES_RATE_WINDOW"},

	"index.subgraph_url":      {"SUBGRAPH_URL", "NEXT_PUBLIC_SUBGRAPH_URL"},
	"index.api_key":           {"SUBGRAPH_API_KEY"},
	"index.request_timeout":   {"SUBGRAPH_TIMEOUT"},
	"index.details_cache_ttl": {"MARKET_DETAILS_CACHE_TTL"},

	"scheduler.poll_interval":         {"POLL_INTERVAL", "POLLING_INTERVAL"},
	"scheduler.market_delay":          {"MARKET_DELAY"},
	"scheduler.error_backoff":         {"ERROR_BACKOFF"},
	"scheduler.max_markets_per_cycle": {"MAX_MARKETS_PER_CYCLE"},
	"scheduler.startup_delay":         {"STARTUP_DELAY"},

	"retry.max_attempts":           {"MAX_ATTEMPTS", "MAX_RETRIES"},
	"retry.backoff_base":           {"BACKOFF_BASE"},
	"retry.backoff_max":            {"BACKOFF_MAX"},
	"retry.terminal_cooldown":      {"TERMINAL_COOLDOWN"},
	"retry.feed_unavailable_after": {"FEED_UNAVAILABLE_AFTER"},

	"store.driver":       {"TRACKER_STORE"},
	"store.database_url": {"DATABASE_URL"},
	"store.redis_url":    {"REDIS_URL"},
	"store.sqlite_path":  {"SQLITE_PATH"},
	"store.lock":         {"MARKET_LOCK"},
	"store.lock_ttl":     {"MARKET_LOCK_TTL"},

	"alerting.telegram_bot_token":  {"TELEGRAM_BOT_TOKEN"},
	"alerting.telegram_chat_id":    {"TELEGRAM_CHAT_ID"},
	"alerting.telegram_api_base":   {"TELEGRAM_API_BASE"},
	"alerting.discord_webhook_url": {"DISCORD_WEBHOOK_URL"},
	"alerting.events":              {"ALERT_EVENTS"},

	"circuit_breaker.enabled":   {"CIRCUIT_BREAKER_ENABLED"},
	"circuit_breaker.threshold": {"CIRCUIT_BREAKER_THRESHOLD"},
	"circuit_breaker.window":    {"CIRCUIT_BREAKER_WINDOW"},
	"circuit_breaker.reset":     {"CIRCUIT_BREAKER_RESET"},

	"metrics.port":    {"METRICS_PORT"},
	"metrics.api_key": {"METRICS_API_KEY"},

	"logging.level":    {"LOG_LEVEL"},
	"logging.format":   {"LOG_FORMAT"},
	"logging.coloring": {"LOG_COLORING"},
	"logging.caller":   {"LOG_CALLER"},
}

func bindEnv(v *viper.Viper) error {
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network", "")
	v.SetDefault("dry_run", false)

	v.SetDefault("signer.private_key", "")
	v.SetDefault("signer.key_file", "")
	v.SetDefault("signer.key_password", "")

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.resolver_address", "")
	v.SetDefault("chain.oracle_address", "")
	v.SetDefault("chain.request_timeout", DefaultRequestTimeout.String())
	v.SetDefault("chain.confirmation_timeout", DefaultConfirmationTimeout.String())
	v.SetDefault("chain.receipt_poll_interval", DefaultReceiptPollInterval.String())
	v.SetDefault("chain.gas_limit_multiplier", DefaultGasLimitMultiplier)
	v.SetDefault("chain.gas_price_multiplier", DefaultGasPriceMultiplier)
	v.SetDefault("chain.max_gas_price", DefaultMaxGasPrice)
	v.SetDefault("chain.min_balance", DefaultMinBalance)

	v.SetDefault("oracle.hermes_url", "")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.request_timeout", DefaultRequestTimeout.String())
	v.SetDefault("oracle.rate_limit", DefaultHermesRateLimit)
	v.SetDefault("oracle.rate_window", DefaultHermesRateWindow.String())

	v.SetDefault("index.subgraph_url", "")
	v.SetDefault("index.api_key", "")
	v.SetDefault("index.request_timeout", DefaultRequestTimeout.String())
	v.SetDefault("index.details_cache_ttl", DefaultDetailsCacheTTL.String())

	v.SetDefault("scheduler.poll_interval", DefaultPollInterval.String())
	v.SetDefault("scheduler.market_delay", DefaultMarketDelay.String())
	v.SetDefault("scheduler.error_backoff", DefaultErrorBackoff.String())
	v.SetDefault("scheduler.max_markets_per_cycle", DefaultMaxMarketsPerCycle)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("retry.max_attempts", DefaultMaxAttempts)
	v.SetDefault("retry.backoff_base", DefaultBackoffBase.String())
	v.SetDefault("retry.backoff_max", DefaultBackoffMax.String())
	v.SetDefault("retry.terminal_cooldown", DefaultTerminalCooldown.String())
	v.SetDefault("retry.feed_unavailable_after", DefaultFeedUnavailableAfter)

	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.sqlite_path", "keeper.db")
	v.SetDefault("store.lock", LockNone)
	v.SetDefault("store.lock_ttl", DefaultLockTTL.String())

	v.SetDefault("alerting.telegram_bot_token", "")
	v.SetDefault("alerting.telegram_chat_id", "")
	v.SetDefault("alerting.telegram_api_base", "https://api.telegram.org")
	v.SetDefault("alerting.discord_webhook_url", "")
	v.SetDefault("alerting.events", []string{})

	v.SetDefault("circuit_breaker.enabled", DefaultCircuitBreakerEnabled)
	v.SetDefault("circuit_breaker.threshold", DefaultCircuitBreakerThreshold)
	v.SetDefault("circuit_breaker.window", DefaultCircuitBreakerWindow.String())
	v.SetDefault("circuit_breaker.reset", DefaultCircuitBreakerReset.String())

	v.SetDefault("metrics.port", DefaultMetricsPort)
	v.SetDefault("metrics.api_key", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.coloring", false)
	v.SetDefault("logging.caller", false)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToBigIntHook(),
		)
	}
}

// secondsToDurationHook accepts bare integers as seconds, e.g. POLL_INTERVAL=60
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) || f.Kind() != reflect.String {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return data, nil
		}
		return time.Duration(seconds) * time.Second, nil
	}
}

func stringToBigIntHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf((*big.Int)(nil)) {
			return data, nil
		}
		switch v := data.(type) {
		case *big.Int:
			return v, nil
		case int:
			return big.NewInt(int64(v)), nil
		case int64:
			return big.NewInt(v), nil
		case string:
			raw := strings.TrimSpace(v)
			if raw == "" {
				return big.NewInt(0), nil
			}
			parsed, ok := new(big.Int).SetString(raw, 10)
			if !ok {
				return nil, fmt.Errorf("invalid wei value: %s, must be a valid integer string", v)
			}
			return parsed, nil
		}
		return data, nil
	}
}

func validateAddress(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s environment variable is required", name)
	}
	if !common.IsHexAddress(value) {
		return fmt.Errorf("invalid %s value: %s, must be a valid Ethereum address", name, value)
	}
	return nil
}

func validateURL(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s environment variable is required", name)
	}
	if _, err := url.ParseRequestURI(value); err != nil {
		return fmt.Errorf("invalid %s value: %s, must be a valid URL", name, value)
	}
	return nil
}

func validatePositiveDuration(name string, value time.Duration) error {
	if value <= 0 {
		return fmt.Errorf("%s must be greater than 0", name)
	}
	return nil
}

func validateNonNegativeWei(name string, value *big.Int) error {
	if value == nil {
		return fmt.Errorf("%s environment variable is required", name)
	}
	if value.Sign() < 0 {
		return fmt.Errorf("%s must be greater than or equal to 0", name)
	}
	return nil
}

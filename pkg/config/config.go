package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/0xMgwan/betuaa-sub000/pkg/logger"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"

	LockNone     = "none"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

// Config holds the configuration for the keeper
type Config struct {
	Network        string               `mapstructure:"network"`
	DryRun         bool                 `mapstructure:"dry_run"`
	Signer         SignerConfig         `mapstructure:"signer"`
	Chain          ChainConfig          `mapstructure:"chain"`
	Oracle         OracleConfig         `mapstructure:"oracle"`
	Index          IndexConfig          `mapstructure:"index"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Store          StoreConfig          `mapstructure:"store"`
	Alerting       AlertingConfig       `mapstructure:"alerting"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Logging        logger.Config        `mapstructure:"logging"`
}

// SignerConfig selects where the signing key comes from.
// Exactly one of PrivateKey or KeyFile must be set.
type SignerConfig struct {
	PrivateKey  string `mapstructure:"private_key"`
	KeyFile     string `mapstructure:"key_file"`
	KeyPassword string `mapstructure:"key_password"`
}

// ChainConfig holds the RPC and transaction settings
type ChainConfig struct {
	RPCURL              string        `mapstructure:"rpc_url"`
	ChainID             int64         `mapstructure:"chain_id"`
	ResolverAddress     string        `mapstructure:"resolver_address"`
	OracleAddress       string        `mapstructure:"oracle_address"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	GasLimitMultiplier  float64       `mapstructure:"gas_limit_multiplier"`
	GasPriceMultiplier  float64       `mapstructure:"gas_price_multiplier"`
	MaxGasPrice         *big.Int      `mapstructure:"max_gas_price"`
	MinBalance          *big.Int      `mapstructure:"min_balance"`
}

// OracleConfig holds the Hermes endpoint settings
type OracleConfig struct {
	HermesURL      string        `mapstructure:"hermes_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
}

// IndexConfig holds the subgraph settings
type IndexConfig struct {
	SubgraphURL     string        `mapstructure:"subgraph_url"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DetailsCacheTTL time.Duration `mapstructure:"details_cache_ttl"`
}

// SchedulerConfig holds the loop cadence
type SchedulerConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MarketDelay        time.Duration `mapstructure:"market_delay"`
	ErrorBackoff       time.Duration `mapstructure:"error_backoff"`
	MaxMarketsPerCycle int           `mapstructure:"max_markets_per_cycle"`
	StartupDelay       time.Duration `mapstructure:"startup_delay"`
}

// RetryConfig holds the per-market retry policy
type RetryConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	TerminalCooldown     time.Duration `mapstructure:"terminal_cooldown"`
	FeedUnavailableAfter int           `mapstructure:"feed_unavailable_after"`
}

// StoreConfig selects the tracker backend and the per-market lock
type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	Lock        string        `mapstructure:"lock"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

// AlertingConfig holds the operator notification channels
type AlertingConfig struct {
	TelegramBotToken  string   `mapstructure:"telegram_bot_token"`
	TelegramChatID    string   `mapstructure:"telegram_chat_id"`
	TelegramAPIBase   string   `mapstructure:"telegram_api_base"`
	DiscordWebhookURL string   `mapstructure:"discord_webhook_url"`
	Events            []string `mapstructure:"events"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
	Reset     time.Duration `mapstructure:"reset"`
}

// MetricsConfig holds the health and metrics server settings
type MetricsConfig struct {
	Port   string `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoadConfig loads the configuration from the environment, an optional .env
// file and an optional config file at path, then validates it
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.applyNetwork(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyNetwork fills endpoints left empty from the selected network preset
func (c *Config) applyNetwork() error {
	if c.Network == "" {
		return nil
	}
	network, ok := GetNetwork(c.Network)
	if !ok {
		return fmt.Errorf("invalid NETWORK value: %s, must be one of %s, %s", c.Network, NetworkMainnet, NetworkTestnet)
	}
	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = network.RPCURL
	}
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = network.ChainID
	}
	if c.Chain.OracleAddress == "" {
		c.Chain.OracleAddress = network.OracleAddress
	}
	if c.Oracle.HermesURL == "" {
		c.Oracle.HermesURL = network.HermesURL
	}
	return nil
}

// Validate checks every setting and reports all problems at once
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch {
	case c.Signer.PrivateKey != "" && c.Signer.KeyFile != "":
		add(errors.New("KEEPER_PRIVATE_KEY and KEEPER_KEY_FILE are mutually exclusive"))
	case c.Signer.PrivateKey == "" && c.Signer.KeyFile == "":
		add(errors.New("KEEPER_PRIVATE_KEY or KEEPER_KEY_FILE environment variable is required"))
	case c.Signer.KeyFile != "" && c.Signer.KeyPassword == "":
		add(errors.New("KEEPER_KEY_PASSWORD is required when KEEPER_KEY_FILE is set"))
	}

	add(validateURL("RPC_URL", c.Chain.RPCURL))
	add(validateAddress("PYTH_RESOLVER_ADDRESS", c.Chain.ResolverAddress))
	if c.Chain.OracleAddress != "" {
		add(validateAddress("PYTH_ADDRESS", c.Chain.OracleAddress))
	}
	add(validateURL("HERMES_URL", c.Oracle.HermesURL))
	add(validateURL("SUBGRAPH_URL", c.Index.SubgraphURL))

	add(validatePositiveDuration("POLL_INTERVAL", c.Scheduler.PollInterval))
	add(validatePositiveDuration("CONFIRMATION_TIMEOUT", c.Chain.ConfirmationTimeout))
	add(validatePositiveDuration("RECEIPT_POLL_INTERVAL", c.Chain.ReceiptPollInterval))
	add(validatePositiveDuration("RPC_TIMEOUT", c.Chain.RequestTimeout))
	add(validatePositiveDuration("HERMES_TIMEOUT", c.Oracle.RequestTimeout))
	add(validatePositiveDuration("SUBGRAPH_TIMEOUT", c.Index.RequestTimeout))
	add(validatePositiveDuration("ERROR_BACKOFF", c.Scheduler.ErrorBackoff))
	add(validatePositiveDuration("BACKOFF_BASE", c.Retry.BackoffBase))
	add(validatePositiveDuration("TERMINAL_COOLDOWN", c.Retry.TerminalCooldown))
	if c.Scheduler.MarketDelay < 0 {
		add(errors.New("MARKET_DELAY must be greater than or equal to 0"))
	}
	if c.Scheduler.StartupDelay < 0 {
		add(errors.New("STARTUP_DELAY must be greater than or equal to 0"))
	}
	if c.Retry.BackoffMax < c.Retry.BackoffBase {
		add(fmt.Errorf("BACKOFF_MAX (%s) must be greater than or equal to BACKOFF_BASE (%s)", c.Retry.BackoffMax, c.Retry.BackoffBase))
	}

	if c.Scheduler.MaxMarketsPerCycle <= 0 {
		add(errors.New("MAX_MARKETS_PER_CYCLE must be greater than 0"))
	}
	if c.Retry.MaxAttempts <= 0 {
		add(errors.New("MAX_ATTEMPTS must be greater than 0"))
	}
	if c.Retry.FeedUnavailableAfter < 0 {
		add(errors.New("FEED_UNAVAILABLE_AFTER must be greater than or equal to 0"))
	}
	if c.Oracle.RateLimit < 0 {
		add(errors.New("HERMES_RATE_LIMIT must be greater than or equal to 0"))
	}
	if c.Oracle.RateLimit > 0 {
		add(validatePositiveDuration("HERMES_RATE_WINDOW", c.Oracle.RateWindow))
	}

	if c.Chain.GasLimitMultiplier < 1 {
		add(fmt.Errorf("invalid GAS_LIMIT_MULTIPLIER value: %v, must be at least 1", c.Chain.GasLimitMultiplier))
	}
	if c.Chain.GasPriceMultiplier < 1 {
		add(fmt.Errorf("invalid GAS_PRICE_MULTIPLIER value: %v, must be at least 1", c.Chain.GasPriceMultiplier))
	}
	add(validateNonNegativeWei("MAX_GAS_PRICE", c.Chain.MaxGasPrice))
	add(validateNonNegativeWei("MIN_BALANCE_WEI", c.Chain.MinBalance))

	switch strings.ToLower(c.Store.Driver) {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			add(errors.New("DATABASE_URL is required when TRACKER_STORE=postgres"))
		}
	case StoreRedis:
		if c.Store.RedisURL == "" {
			add(errors.New("REDIS_URL is required when TRACKER_STORE=redis"))
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			add(errors.New("SQLITE_PATH is required when TRACKER_STORE=sqlite"))
		}
	default:
		add(fmt.Errorf("invalid TRACKER_STORE value: %s, must be one of memory, postgres, redis, sqlite", c.Store.Driver))
	}

	switch strings.ToLower(c.Store.Lock) {
	case LockNone:
	case LockPostgres:
		if c.Store.DatabaseURL == "" {
			add(errors.New("DATABASE_URL is required when MARKET_LOCK=postgres"))
		}
	case LockRedis:
		if c.Store.RedisURL == "" {
			add(errors.New("REDIS_URL is required when MARKET_LOCK=redis"))
		}
	default:
		add(fmt.Errorf("invalid MARKET_LOCK value: %s, must be one of none, postgres, redis", c.Store.Lock))
	}
	if c.Store.Lock != LockNone {
		add(validatePositiveDuration("MARKET_LOCK_TTL", c.Store.LockTTL))
	}

	if (c.Alerting.TelegramBotToken == "") != (c.Alerting.TelegramChatID == "") {
		add(errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	if c.Alerting.DiscordWebhookURL != "" {
		add(validateURL("DISCORD_WEBHOOK_URL", c.Alerting.DiscordWebhookURL))
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.Threshold <= 0 {
			add(errors.New("CIRCUIT_BREAKER_THRESHOLD must be greater than 0"))
		}
		add(validatePositiveDuration("CIRCUIT_BREAKER_WINDOW", c.CircuitBreaker.Window))
		add(validatePositiveDuration("CIRCUIT_BREAKER_RESET", c.CircuitBreaker.Reset))
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		add(err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case logger.FormatJSON, logger.FormatConsole:
	default:
		add(fmt.Errorf("invalid LOG_FORMAT value: %s, must be json or console", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Redacted returns a copy safe to log or print
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Signer.PrivateKey = mask(c.Signer.PrivateKey)
	c.Signer.KeyPassword = mask(c.Signer.KeyPassword)
	c.Oracle.APIKey = mask(c.Oracle.APIKey)
	c.Index.APIKey = mask(c.Index.APIKey)
	c.Alerting.TelegramBotToken = mask(c.Alerting.TelegramBotToken)
	c.Alerting.DiscordWebhookURL = mask(c.Alerting.DiscordWebhookURL)
	c.Metrics.APIKey = mask(c.Metrics.APIKey)
	c.Store.DatabaseURL = mask(c.Store.DatabaseURL)
	c.Store.RedisURL = mask(c.Store.RedisURL)
	return c
}

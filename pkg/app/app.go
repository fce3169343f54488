// Package app assembles the keeper from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/0xMgwan/betuaa-sub000/pkg/alerting"
	"github.com/0xMgwan/betuaa-sub000/pkg/attestation"
	"github.com/0xMgwan/betuaa-sub000/pkg/chainclient"
	"github.com/0xMgwan/betuaa-sub000/pkg/circuitbreaker"
	"github.com/0xMgwan/betuaa-sub000/pkg/config"
	"github.com/0xMgwan/betuaa-sub000/pkg/health"
	"github.com/0xMgwan/betuaa-sub000/pkg/keeper"
	"github.com/0xMgwan/betuaa-sub000/pkg/keystore"
	"github.com/0xMgwan/betuaa-sub000/pkg/lock"
	applog "github.com/0xMgwan/betuaa-sub000/pkg/logger"
	"github.com/0xMgwan/betuaa-sub000/pkg/marketindex"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
	"github.com/0xMgwan/betuaa-sub000/pkg/store/pgstore"
	"github.com/0xMgwan/betuaa-sub000/pkg/store/redisstore"
	"github.com/0xMgwan/betuaa-sub000/pkg/store/sqlitestore"
	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

// BalanceCheckInterval is how often the signer balance and gas price are refreshed
const BalanceCheckInterval = time.Minute

// ErrNoBalance is returned at startup when the signer cannot pay for anything
var ErrNoBalance = errors.New("keeper signer has zero balance")

// App holds every wired component of a running keeper
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	client    *chainclient.Client
	chain     keeper.Chain
	index     *marketindex.Client
	oracle    *attestation.Client
	tracker   *tracker.Tracker
	notifier  *alerting.Notifier
	breaker   *circuitbreaker.CircuitBreaker
	balance   *chainclient.BalanceMonitor
	pipeline  *keeper.Pipeline
	scheduler *keeper.Scheduler
	health    *health.Server

	closers []func() error
}

// New connects to every dependency named by cfg
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (a *App, err error) {
	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	key, err := keystore.Load(keystore.Source{
		PrivateKey:  cfg.Signer.PrivateKey,
		KeyFile:     cfg.Signer.KeyFile,
		KeyPassword: cfg.Signer.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load signer key: %w", err)
	}

	opts := chainclient.Options{
		ResolverAddress:     common.HexToAddress(cfg.Chain.ResolverAddress),
		GasLimitMultiplier:  cfg.Chain.GasLimitMultiplier,
		GasPriceMultiplier:  cfg.Chain.GasPriceMultiplier,
		MaxGasPrice:         cfg.Chain.MaxGasPrice,
		RequestTimeout:      cfg.Chain.RequestTimeout,
		ReceiptPollInterval: cfg.Chain.ReceiptPollInterval,
		LogColoring:         cfg.Logging.Colored(),
	}
	if cfg.Chain.OracleAddress != "" {
		opts.OracleAddress = common.HexToAddress(cfg.Chain.OracleAddress)
	}
	if cfg.Chain.ChainID > 0 {
		opts.ChainID = big.NewInt(cfg.Chain.ChainID)
	}

	a.client, err = chainclient.Dial(ctx, cfg.Chain.RPCURL, key, opts, logger)
	if err != nil {
		return nil, err
	}
	a.chain = a.client
	if cfg.DryRun {
		a.chain = chainclient.NewDryRunClient(a.client, logger)
	}

	a.notifier = newNotifier(cfg.Alerting, logger)

	deps, err := openStorage(ctx, trackerStoreConfig(cfg, logger), logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, deps.closers...)

	a.tracker = tracker.New(deps.store, tracker.Policy{
		MaxAttempts:          cfg.Retry.MaxAttempts,
		BackoffBase:          cfg.Retry.BackoffBase,
		BackoffMax:           cfg.Retry.BackoffMax,
		TerminalCooldown:     cfg.Retry.TerminalCooldown,
		FeedUnavailableAfter: cfg.Retry.FeedUnavailableAfter,
	}, logger)

	var limiter attestation.Limiter
	switch {
	case cfg.Oracle.RateLimit <= 0:
		limiter = attestation.NoLimit{}
	case deps.redis != nil:
		// keepers sharing a Redis also share the Hermes budget
		limiter = redisstore.NewRateLimiter(deps.redis, "hermes", cfg.Oracle.RateLimit, cfg.Oracle.RateWindow)
	default:
		limiter = attestation.NewLocalLimiter(cfg.Oracle.RateLimit, cfg.Oracle.RateWindow)
	}
	a.oracle = attestation.New(attestation.Options{
		BaseURL:        cfg.Oracle.HermesURL,
		APIKey:         cfg.Oracle.APIKey,
		RequestTimeout: cfg.Oracle.RequestTimeout,
	}, a.client, limiter, logger)

	a.index = marketindex.New(marketindex.Options{
		URL:            cfg.Index.SubgraphURL,
		APIKey:         cfg.Index.APIKey,
		RequestTimeout: cfg.Index.RequestTimeout,
	}, chainclient.NewDetailsCache(a.client, cfg.Index.DetailsCacheTTL), logger)

	a.breaker = circuitbreaker.NewCircuitBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.Threshold,
		cfg.CircuitBreaker.Window,
		cfg.CircuitBreaker.Reset,
		applog.NewLogger(logger.With().Str("component", "circuit_breaker").Logger(), cfg.Logging.Colored()),
	)

	a.balance = chainclient.NewBalanceMonitor(a.client, BalanceCheckInterval, cfg.Chain.MinBalance, a.lowBalance, logger)

	a.pipeline = keeper.NewPipeline(a.chain, a.oracle, a.tracker, a.notifier, keeper.PipelineConfig{
		ConfirmationTimeout: cfg.Chain.ConfirmationTimeout,
		ChainID:             a.client.ChainID().Int64(),
	}, logger)

	a.scheduler = keeper.NewScheduler(a.index, a.pipeline, keeper.SchedulerConfig{
		PollInterval:       cfg.Scheduler.PollInterval,
		MarketDelay:        cfg.Scheduler.MarketDelay,
		ErrorBackoff:       cfg.Scheduler.ErrorBackoff,
		MaxMarketsPerCycle: cfg.Scheduler.MaxMarketsPerCycle,
		StartupDelay:       cfg.Scheduler.StartupDelay,
		LockTTL:            cfg.Store.LockTTL,
	}, logger,
		keeper.WithLocker(deps.locker),
		keeper.WithCircuitBreaker(a.breaker),
		keeper.WithNotifier(a.notifier),
		keeper.WithEligibility(a.tracker),
	)

	a.health = health.NewServer(cfg.Metrics.Port, cfg.Metrics.APIKey, health.Deps{
		Scheduler: a.scheduler,
		Chain:     a.client,
		Tracker:   a.tracker,
		Breaker:   a.breaker,
		Balance:   a.balance,
		Signer:    a.client.Address(),
		ChainID:   a.client.ChainID().Int64(),
		DryRun:    cfg.DryRun,
	}, logger)

	return a, nil
}

// Run performs the startup checks and then runs the scheduler, the balance
// monitor and the health server until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	if err := a.Startup(ctx); err != nil {
		return err
	}

	a.balance.Start(ctx)
	defer a.balance.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.health.Start(gctx)
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})

	err := g.Wait()
	a.logger.Info().Msg("Keeper stopped")
	return err
}

// RunOnce performs the startup checks and a single cycle
func (a *App) RunOnce(ctx context.Context) (keeper.CycleSummary, error) {
	if err := a.Startup(ctx); err != nil {
		return keeper.CycleSummary{}, err
	}
	return a.scheduler.RunCycle(ctx)
}

// Startup logs the keeper identity and checks the signer balance
func (a *App) Startup(ctx context.Context) error {
	chainID := a.client.ChainID().Int64()
	a.logger.Info().
		Str("signer", a.client.Address().Hex()).
		Str("network", config.GetNetworkName(chainID)).
		Int64("chain_id", chainID).
		Str("oracle", a.client.OracleAddress().Hex()).
		Bool("dry_run", a.cfg.DryRun).
		Msg("Keeper starting")

	a.balance.Update(ctx)
	return CheckBalance(ctx, a.client, a.cfg.Chain.MinBalance, a.cfg.DryRun, a.notifier, a.logger)
}

// Markets lists the current resolution candidates with their tracker state
func (a *App) Markets(ctx context.Context) ([]models.Market, []tracker.MarketState, error) {
	markets, err := a.index.FetchExpiredUnresolved(ctx, a.cfg.Scheduler.MaxMarketsPerCycle)
	if err != nil {
		return nil, nil, err
	}
	states := make([]tracker.MarketState, len(markets))
	for i, m := range markets {
		if states[i], err = a.tracker.Get(ctx, m.ID); err != nil {
			return nil, nil, err
		}
	}
	return markets, states, nil
}

// Close releases every connection the app opened
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) lowBalance(ctx context.Context, balance, minimum *big.Int) {
	if err := a.notifier.Notify(ctx, alerting.EventLowBalance, "Keeper balance low",
		fmt.Sprintf("Signer %s holds %s ETH, below the %s ETH minimum",
			a.client.Address().Hex(), models.WeiToEther(balance).String(), models.WeiToEther(minimum).String())); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to send low balance alert")
	}
}

// BalanceReader reads the signer balance
type BalanceReader interface {
	Balance(ctx context.Context) (*big.Int, error)
}

// CheckBalance refuses to start with an empty signer unless in dry-run, and
// warns when the balance is under minimum
func CheckBalance(ctx context.Context, reader BalanceReader, minimum *big.Int, dryRun bool, notifier *alerting.Notifier, logger zerolog.Logger) error {
	balance, err := reader.Balance(ctx)
	if err != nil {
		return fmt.Errorf("failed to read signer balance: %w", err)
	}

	logger.Info().
		Str("balance_eth", models.WeiToEther(balance).String()).
		Msg("Signer balance")

	if balance.Sign() == 0 {
		if dryRun {
			logger.Warn().Msg("Signer has no balance, continuing because of dry run")
			return nil
		}
		return ErrNoBalance
	}

	if minimum != nil && balance.Cmp(minimum) < 0 {
		logger.Warn().
			Str("balance_eth", models.WeiToEther(balance).String()).
			Str("minimum_eth", models.WeiToEther(minimum).String()).
			Msg("Signer balance below minimum")
		if err := notifier.Notify(ctx, alerting.EventLowBalance, "Keeper balance low",
			fmt.Sprintf("Signer balance %s ETH is below the %s ETH minimum",
				models.WeiToEther(balance).String(), models.WeiToEther(minimum).String())); err != nil {
			logger.Warn().Err(err).Msg("Failed to send low balance alert")
		}
	}
	return nil
}

func newNotifier(cfg config.AlertingConfig, logger zerolog.Logger) *alerting.Notifier {
	var senders []alerting.Sender
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, alerting.NewTelegramSender(cfg.TelegramAPIBase, cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, alerting.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return alerting.NewNotifier(senders, cfg.Events, logger)
}

// trackerStoreConfig keeps dry runs off persisted stores: their synthetic
// confirmations would close real markets for a later live run
func trackerStoreConfig(cfg *config.Config, logger zerolog.Logger) config.StoreConfig {
	store := cfg.Store
	if !cfg.DryRun {
		return store
	}
	if !strings.EqualFold(store.Driver, config.StoreMemory) {
		logger.Warn().Str("configured", store.Driver).Msg("Dry run keeps tracker state in memory")
	}
	store.Driver = config.StoreMemory
	return store
}

// storage is the tracker store and market lock picked by configuration
type storage struct {
	store   tracker.Store
	locker  lock.Locker
	redis   *redisstore.Client
	closers []func() error
}

func openStorage(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (deps storage, err error) {
	deps.locker = lock.Noop{}
	defer func() {
		if err != nil {
			for i := len(deps.closers) - 1; i >= 0; i-- {
				_ = deps.closers[i]()
			}
		}
	}()

	driver := strings.ToLower(cfg.Driver)
	lockKind := strings.ToLower(cfg.Lock)

	var pg *pgstore.Store
	if driver == config.StorePostgres || lockKind == config.LockPostgres {
		var pool *pgxpool.Pool
		pool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{DSN: cfg.DatabaseURL})
		if err != nil {
			return deps, err
		}
		pg, err = pgstore.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return deps, err
		}
		deps.closers = append(deps.closers, pg.Close)
	}

	if cfg.RedisURL != "" && (driver == config.StoreRedis || lockKind == config.LockRedis) {
		deps.redis, err = redisstore.New(ctx, cfg.RedisURL, "keeper")
		if err != nil {
			return deps, err
		}
		deps.closers = append(deps.closers, deps.redis.Close)
	}

	switch driver {
	case config.StorePostgres:
		deps.store = pg
	case config.StoreRedis:
		deps.store = redisstore.NewStore(deps.redis)
	case config.StoreSQLite:
		var sq *sqlitestore.Store
		sq, err = sqlitestore.Open(cfg.SQLitePath, logger)
		if err != nil {
			return deps, err
		}
		deps.store = sq
		deps.closers = append(deps.closers, sq.Close)
	default:
		logger.Warn().Msg("Tracker state is kept in memory and lost on restart")
		deps.store = tracker.NewMemoryStore()
	}

	switch lockKind {
	case config.LockPostgres:
		deps.locker = pg
	case config.LockRedis:
		deps.locker = redisstore.NewLockManager(deps.redis)
	}

	logger.Info().Str("store", driver).Str("lock", lockKind).Msg("Tracker storage ready")
	return deps, nil
}

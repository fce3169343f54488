// Package pgstore persists the attempt tracker in PostgreSQL and provides
// per-market advisory locks.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/0xMgwan/betuaa-sub000/pkg/lock"
	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

// ErrNotConfigured indicates the storage pool was not initialised
var ErrNotConfigured = errors.New("pgstore: pool not configured")

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS keeper_markets (
        market_id          BIGINT PRIMARY KEY,
        attempt_count      INTEGER NOT NULL DEFAULT 0,
        last_attempt       JSONB NOT NULL DEFAULT '{}'::jsonb,
        transient_failures INTEGER NOT NULL DEFAULT 0,
        unclear_failures   INTEGER NOT NULL DEFAULT 0,
        retry_after        TIMESTAMPTZ,
        excluded_until     TIMESTAMPTZ,
        permanent          BOOLEAN NOT NULL DEFAULT FALSE,
        reason             TEXT NOT NULL DEFAULT '',
        no_data_streak     INTEGER NOT NULL DEFAULT 0,
        updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`

	addUnclearFailuresSQL = `ALTER TABLE keeper_markets
        ADD COLUMN IF NOT EXISTS unclear_failures INTEGER NOT NULL DEFAULT 0;`

	upsertMarketSQL = `INSERT INTO keeper_markets (
        market_id,
        attempt_count,
        last_attempt,
        transient_failures,
        unclear_failures,
        retry_after,
        excluded_until,
        permanent,
        reason,
        no_data_streak,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (market_id) DO UPDATE
    SET
        attempt_count      = GREATEST(keeper_markets.attempt_count, EXCLUDED.attempt_count),
        last_attempt       = EXCLUDED.last_attempt,
        transient_failures = EXCLUDED.transient_failures,
        unclear_failures   = EXCLUDED.unclear_failures,
        retry_after        = EXCLUDED.retry_after,
        excluded_until     = EXCLUDED.excluded_until,
        permanent          = EXCLUDED.permanent,
        reason             = EXCLUDED.reason,
        no_data_streak     = EXCLUDED.no_data_streak,
        updated_at         = EXCLUDED.updated_at;`

	selectColumns = `SELECT
        market_id,
        attempt_count,
        last_attempt,
        transient_failures,
        unclear_failures,
        retry_after,
        excluded_until,
        permanent,
        reason,
        no_data_streak,
        updated_at
    FROM keeper_markets`

	getMarketSQL   = selectColumns + ` WHERE market_id = $1;`
	listMarketsSQL = selectColumns + ` ORDER BY market_id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PoolConfig holds connection settings
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// NewPool configures a PostgreSQL connection pool and verifies connectivity
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Store implements tracker.Store and lock.Locker on a pgx pool
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New wires a pool into a Store and creates the table if needed
func New(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		logger: logger.With().Str("component", "pgstore").Logger(),
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the tracker table
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createTableSQL, addUnclearFailuresSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Get loads one market state
func (s *Store) Get(ctx context.Context, marketID uint64) (tracker.MarketState, error) {
	pool, err := s.getPool()
	if err != nil {
		return tracker.MarketState{}, err
	}

	state, err := scanState(pool.QueryRow(ctx, getMarketSQL, int64(marketID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.MarketState{}, tracker.ErrNotFound
	}
	if err != nil {
		return tracker.MarketState{}, fmt.Errorf("pgstore: get market %d: %w", marketID, err)
	}
	return state, nil
}

// Put upserts a market state. The stored attempt count never decreases.
func (s *Store) Put(ctx context.Context, state tracker.MarketState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	lastAttempt, err := json.Marshal(state.LastAttempt)
	if err != nil {
		return fmt.Errorf("pgstore: encode attempt: %w", err)
	}

	_, err = pool.Exec(ctx, upsertMarketSQL,
		int64(state.MarketID),
		state.AttemptCount,
		lastAttempt,
		state.TransientFailures,
		state.UnclearFailures,
		nullableTime(state.RetryAfter),
		nullableTime(state.ExcludedUntil),
		state.Permanent,
		state.Reason,
		state.NoDataStreak,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: put market %d: %w", state.MarketID, err)
	}
	return nil
}

// List returns every tracked market ordered by id
func (s *Store) List(ctx context.Context) ([]tracker.MarketState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listMarketsSQL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list markets: %w", err)
	}
	defer rows.Close()

	var out []tracker.MarketState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan market: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// Close releases the pool
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Acquire takes a session advisory lock for key. The lock lives as long as
// the connection is held, so ttl is not used.
func (s *Store) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	lockID := AdvisoryKey(key)
	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, lock.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, lockID); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to release advisory lock")
		}
		conn.Release()
	}
	return unlock, nil
}

// AdvisoryKey maps a lock name onto the bigint space of pg advisory locks
func AdvisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("keeper:" + key))
	return int64(h.Sum64())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (tracker.MarketState, error) {
	var (
		state         tracker.MarketState
		marketID      int64
		lastAttempt   []byte
		retryAfter    *time.Time
		excludedUntil *time.Time
	)
	if err := row.Scan(
		&marketID,
		&state.AttemptCount,
		&lastAttempt,
		&state.TransientFailures,
		&state.UnclearFailures,
		&retryAfter,
		&excludedUntil,
		&state.Permanent,
		&state.Reason,
		&state.NoDataStreak,
		&state.UpdatedAt,
	); err != nil {
		return tracker.MarketState{}, err
	}

	state.MarketID = uint64(marketID)
	if len(lastAttempt) > 0 {
		if err := json.Unmarshal(lastAttempt, &state.LastAttempt); err != nil {
			return tracker.MarketState{}, fmt.Errorf("decode attempt: %w", err)
		}
	}
	if retryAfter != nil {
		state.RetryAfter = *retryAfter
	}
	if excludedUntil != nil {
		state.ExcludedUntil = *excludedUntil
	}
	return state, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var (
	_ tracker.Store = (*Store)(nil)
	_ lock.Locker   = (*Store)(nil)
)

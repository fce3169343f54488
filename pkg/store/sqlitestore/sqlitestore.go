// Package sqlitestore persists the attempt tracker in a local SQLite file for
// single-box deployments without a database server.
package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

// MarketRecord is the row layout of one tracked market
type MarketRecord struct {
	MarketID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	AttemptCount      int
	LastAttempt       string
	Status            string `gorm:"index"`
	TransientFailures int
	UnclearFailures   int
	RetryAfter        *time.Time
	ExcludedUntil     *time.Time
	Permanent         bool
	Reason            string
	NoDataStreak      int
	UpdatedAt         time.Time
}

// TableName pins the table name
func (MarketRecord) TableName() string {
	return "keeper_markets"
}

// Store implements tracker.Store with gorm over SQLite
type Store struct {
	db *gorm.DB
}

// Open creates the directory and database file if needed and migrates the
// schema
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&MarketRecord{}); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	logger.Info().Str("component", "sqlitestore").Str("path", path).Msg("Tracker database initialized (SQLite)")
	return &Store{db: db}, nil
}

// Get loads one market state
func (s *Store) Get(ctx context.Context, marketID uint64) (tracker.MarketState, error) {
	var rec MarketRecord
	err := s.db.WithContext(ctx).First(&rec, "market_id = ?", marketID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tracker.MarketState{}, tracker.ErrNotFound
	}
	if err != nil {
		return tracker.MarketState{}, fmt.Errorf("sqlite: get market %d: %w", marketID, err)
	}
	return fromRecord(rec)
}

// Put upserts a market state
func (s *Store) Put(ctx context.Context, state tracker.MarketState) error {
	rec, err := toRecord(state)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market_id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("sqlite: put market %d: %w", state.MarketID, err)
	}
	return nil
}

// List returns all tracked markets ordered by id
func (s *Store) List(ctx context.Context) ([]tracker.MarketState, error) {
	var recs []MarketRecord
	if err := s.db.WithContext(ctx).Order("market_id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}

	out := make([]tracker.MarketState, 0, len(recs))
	for _, rec := range recs {
		state, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

// Close closes the database handle
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(state tracker.MarketState) (MarketRecord, error) {
	attempt, err := json.Marshal(state.LastAttempt)
	if err != nil {
		return MarketRecord{}, fmt.Errorf("sqlite: encode attempt: %w", err)
	}
	rec := MarketRecord{
		MarketID:          state.MarketID,
		AttemptCount:      state.AttemptCount,
		LastAttempt:       string(attempt),
		Status:            string(state.LastAttempt.Status),
		TransientFailures: state.TransientFailures,
		UnclearFailures:   state.UnclearFailures,
		Permanent:         state.Permanent,
		Reason:            state.Reason,
		NoDataStreak:      state.NoDataStreak,
		UpdatedAt:         state.UpdatedAt,
	}
	if !state.RetryAfter.IsZero() {
		t := state.RetryAfter
		rec.RetryAfter = &t
	}
	if !state.ExcludedUntil.IsZero() {
		t := state.ExcludedUntil
		rec.ExcludedUntil = &t
	}
	return rec, nil
}

func fromRecord(rec MarketRecord) (tracker.MarketState, error) {
	state := tracker.MarketState{
		MarketID:          rec.MarketID,
		AttemptCount:      rec.AttemptCount,
		TransientFailures: rec.TransientFailures,
		UnclearFailures:   rec.UnclearFailures,
		Permanent:         rec.Permanent,
		Reason:            rec.Reason,
		NoDataStreak:      rec.NoDataStreak,
		UpdatedAt:         rec.UpdatedAt,
	}
	if rec.LastAttempt != "" {
		if err := json.Unmarshal([]byte(rec.LastAttempt), &state.LastAttempt); err != nil {
			return tracker.MarketState{}, fmt.Errorf("sqlite: decode attempt of market %d: %w", rec.MarketID, err)
		}
	}
	if rec.RetryAfter != nil {
		state.RetryAfter = *rec.RetryAfter
	}
	if rec.ExcludedUntil != nil {
		state.ExcludedUntil = *rec.ExcludedUntil
	}
	return state, nil
}

var _ tracker.Store = (*Store)(nil)

package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

// Store implements tracker.Store with one JSON value per market plus an
// index set of known market ids
type Store struct {
	c *Client
}

// NewStore creates a tracker store backed by c
func NewStore(c *Client) *Store {
	return &Store{c: c}
}

func (s *Store) marketKey(marketID uint64) string {
	return s.c.key("market", strconv.FormatUint(marketID, 10))
}

func (s *Store) indexKey() string {
	return s.c.key("markets")
}

// Get loads one market state
func (s *Store) Get(ctx context.Context, marketID uint64) (tracker.MarketState, error) {
	raw, err := s.c.rdb.Get(ctx, s.marketKey(marketID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return tracker.MarketState{}, tracker.ErrNotFound
	}
	if err != nil {
		return tracker.MarketState{}, fmt.Errorf("redis: get market %d: %w", marketID, err)
	}
	return decodeState(raw)
}

// Put stores a market state and indexes its id
func (s *Store) Put(ctx context.Context, state tracker.MarketState) error {
	raw, err := encodeState(state)
	if err != nil {
		return err
	}

	pipe := s.c.rdb.TxPipeline()
	pipe.Set(ctx, s.marketKey(state.MarketID), raw, 0)
	pipe.SAdd(ctx, s.indexKey(), strconv.FormatUint(state.MarketID, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put market %d: %w", state.MarketID, err)
	}
	return nil
}

// List returns every indexed market ordered by id
func (s *Store) List(ctx context.Context) ([]tracker.MarketState, error) {
	members, err := s.c.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list markets: %w", err)
	}
	ids := parseIDs(members)
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.marketKey(id)
	}
	values, err := s.c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load markets: %w", err)
	}

	out := make([]tracker.MarketState, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		state, err := decodeState([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

// Close closes the client
func (s *Store) Close() error {
	return s.c.Close()
}

func encodeState(state tracker.MarketState) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("redis: encode market %d: %w", state.MarketID, err)
	}
	return raw, nil
}

func decodeState(raw []byte) (tracker.MarketState, error) {
	var state tracker.MarketState
	if err := json.Unmarshal(raw, &state); err != nil {
		return tracker.MarketState{}, fmt.Errorf("redis: decode market: %w", err)
	}
	return state, nil
}

// parseIDs converts set members to sorted ids, skipping junk
func parseIDs(members []string) []uint64 {
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

var _ tracker.Store = (*Store)(nil)

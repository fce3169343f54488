package tracker

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps market states in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	states map[uint64]MarketState
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[uint64]MarketState)}
}

// Get returns the state of a market or ErrNotFound
func (m *MemoryStore) Get(_ context.Context, marketID uint64) (MarketState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[marketID]
	if !ok {
		return MarketState{}, ErrNotFound
	}
	return state, nil
}

// Put stores a market state
func (m *MemoryStore) Put(_ context.Context, state MarketState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.MarketID] = state
	return nil
}

// List returns all states ordered by market id
func (m *MemoryStore) List(_ context.Context) ([]MarketState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MarketState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }

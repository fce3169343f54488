package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "tracker.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetUnknownMarket(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), 1)
	assert.True(t, errors.Is(err, tracker.ErrNotFound))
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	state := tracker.MarketState{
		MarketID:     15,
		AttemptCount: 1,
		LastAttempt: tracker.Attempt{
			Number:    1,
			StartedAt: now,
			Status:    tracker.StatusSubmitted,
			TxHash:    "0xabc",
		},
		RetryAfter: now.Add(10 * time.Second),
		UpdatedAt:  now,
	}
	require.NoError(t, s.Put(ctx, state))

	got, err := s.Get(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "0xabc", got.PendingTx())
	assert.True(t, state.RetryAfter.Equal(got.RetryAfter))
	assert.True(t, got.ExcludedUntil.IsZero())

	state.LastAttempt.Status = tracker.StatusConfirmed
	state.Permanent = true
	state.Reason = tracker.ReasonConfirmed
	require.NoError(t, s.Put(ctx, state))

	got, err = s.Get(ctx, 15)
	require.NoError(t, err)
	assert.True(t, got.Permanent)
	assert.Empty(t, got.PendingTx())
}

func TestTrackerOnSQLite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tr := tracker.New(s, tracker.DefaultPolicy(), zerolog.Nop())

	for _, id := range []uint64{9, 3} {
		_, err := tr.Begin(ctx, id)
		require.NoError(t, err)
	}
	_, err := tr.MarkTransient(ctx, 9, "network_error", errors.New("timeout"))
	require.NoError(t, err)

	ok, _, err := tr.Eligible(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ok)

	states, err := tr.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, uint64(3), states[0].MarketID)
	assert.Equal(t, tracker.StatusFailedTransient, states[1].LastAttempt.Status)
}

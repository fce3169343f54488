package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketKey(t *testing.T) {
	assert.Equal(t, "market:42", MarketKey(42))
}

func TestNoopAlwaysAcquires(t *testing.T) {
	var l Locker = Noop{}

	unlock, err := l.Acquire(context.Background(), MarketKey(1), time.Minute)
	require.NoError(t, err)
	unlock()

	unlock, err = l.Acquire(context.Background(), MarketKey(1), time.Minute)
	require.NoError(t, err)
	unlock()
	unlock()
}

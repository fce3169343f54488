package app

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xMgwan/betuaa-sub000/pkg/alerting"
	"github.com/0xMgwan/betuaa-sub000/pkg/config"
	"github.com/0xMgwan/betuaa-sub000/pkg/lock"
	"github.com/0xMgwan/betuaa-sub000/pkg/store/sqlitestore"
	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

type staticBalance struct {
	balance *big.Int
	err     error
}

func (s staticBalance) Balance(context.Context) (*big.Int, error) { return s.balance, s.err }

// webhook collects Discord payloads
type webhook struct {
	mu       sync.Mutex
	messages []string
}

func (w *webhook) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.mu.Lock()
		w.messages = append(w.messages, body["content"].(string))
		w.mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (w *webhook) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func TestCheckBalance(t *testing.T) {
	minimum := big.NewInt(10_000_000_000_000_000)

	tests := []struct {
		name    string
		balance *big.Int
		readErr error
		dryRun  bool
		wantErr error
		alerts  int
	}{
		{name: "healthy", balance: big.NewInt(50_000_000_000_000_000)},
		{name: "low", balance: big.NewInt(1_000_000_000_000_000), alerts: 1},
		{name: "empty", balance: big.NewInt(0), wantErr: ErrNoBalance},
		{name: "empty dry run", balance: big.NewInt(0), dryRun: true},
		{name: "read error", readErr: errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := &webhook{}
			srv := hook.server(t)
			notifier := alerting.NewNotifier([]alerting.Sender{alerting.NewDiscordSender(srv.URL)}, nil, zerolog.Nop())

			err := CheckBalance(context.Background(), staticBalance{balance: tt.balance, err: tt.readErr}, minimum, tt.dryRun, notifier, zerolog.Nop())

			switch {
			case tt.readErr != nil:
				require.Error(t, err)
				assert.Contains(t, err.Error(), "connection refused")
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			default:
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.alerts, hook.count())
		})
	}
}

func TestNewNotifier(t *testing.T) {
	assert.False(t, newNotifier(config.AlertingConfig{}, zerolog.Nop()).Enabled())

	n := newNotifier(config.AlertingConfig{
		TelegramBotToken:  "token",
		TelegramChatID:    "42",
		DiscordWebhookURL: "https://discord.example/webhook",
	}, zerolog.Nop())
	assert.True(t, n.Enabled())
}

func TestOpenStorageMemory(t *testing.T) {
	deps, err := openStorage(context.Background(), config.StoreConfig{Driver: config.StoreMemory, Lock: config.LockNone}, zerolog.Nop())
	require.NoError(t, err)

	assert.IsType(t, &tracker.MemoryStore{}, deps.store)
	assert.IsType(t, lock.Noop{}, deps.locker)
	assert.Nil(t, deps.redis)
	assert.Empty(t, deps.closers)
}

func TestOpenStorageSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "keeper.db")
	deps, err := openStorage(context.Background(), config.StoreConfig{
		Driver:     config.StoreSQLite,
		SQLitePath: path,
		Lock:       config.LockNone,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, c := range deps.closers {
			_ = c()
		}
	})

	assert.IsType(t, &sqlitestore.Store{}, deps.store)
	require.Len(t, deps.closers, 1)

	attempts := tracker.New(deps.store, tracker.DefaultPolicy(), zerolog.Nop())
	_, err = attempts.Begin(context.Background(), 7)
	require.NoError(t, err)
	state, err := attempts.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, state.AttemptCount)
}

func TestOpenStoragePostgresRequiresDSN(t *testing.T) {
	_, err := openStorage(context.Background(), config.StoreConfig{Driver: config.StorePostgres, Lock: config.LockNone}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestDryRunKeepsTrackerInMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.db")
	cfg := &config.Config{
		DryRun: true,
		Store:  config.StoreConfig{Driver: config.StoreSQLite, SQLitePath: path, Lock: config.LockNone},
	}

	storeCfg := trackerStoreConfig(cfg, zerolog.Nop())
	assert.Equal(t, config.StoreMemory, storeCfg.Driver)
	assert.Equal(t, config.StoreSQLite, cfg.Store.Driver, "configuration is left untouched")

	deps, err := openStorage(context.Background(), storeCfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &tracker.MemoryStore{}, deps.store)
	assert.NoFileExists(t, path)

	cfg.DryRun = false
	assert.Equal(t, config.StoreSQLite, trackerStoreConfig(cfg, zerolog.Nop()).Driver)
}

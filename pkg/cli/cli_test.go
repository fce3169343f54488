package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xMgwan/betuaa-sub000/pkg/keeper"
	"github.com/0xMgwan/betuaa-sub000/pkg/keystore"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version: dev")
}

func TestEncryptKeyFromStdin(t *testing.T) {
	color.NoColor = true
	t.Setenv("KEEPER_PRIVATE_KEY", "")
	t.Setenv("KEEPER_KEY_PASSWORD", "hunter2")
	path := filepath.Join(t.TempDir(), "keeper.json")

	out, err := execute(t, "0x"+testKey+"\n", "encrypt-key", "--out", path, "--iterations", "1000")
	require.NoError(t, err)

	expected, err := keystore.ParsePrivateKey(testKey)
	require.NoError(t, err)
	key, err := keystore.Load(keystore.Source{KeyFile: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, expected.D, key.D)
	assert.Contains(t, out, "Wrote "+path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEncryptKeyRequiresPassword(t *testing.T) {
	t.Setenv("KEEPER_PRIVATE_KEY", testKey)
	t.Setenv("KEEPER_KEY_PASSWORD", "")

	_, err := execute(t, "", "encrypt-key", "--out", filepath.Join(t.TempDir(), "k.json"))
	assert.ErrorIs(t, err, keystore.ErrEmptyPassword)
}

func TestRunFailsFastOnBadConfig(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("KEEPER_PRIVATE_KEY", "")
	t.Setenv("PRIVATE_KEY", "")
	t.Setenv("KEEPER_KEY_FILE", "")
	t.Setenv("PYTH_RESOLVER_ADDRESS", "")

	_, err = execute(t, "", "once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEEPER_PRIVATE_KEY or KEEPER_KEY_FILE")
}

func TestPrintMarkets(t *testing.T) {
	color.NoColor = true
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	markets := []models.Market{
		{ID: 42, FeedID: common.HexToHash("0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"), Threshold: 6_500_000_000_000, ExpiryTime: now.Add(-time.Minute), IsAboveWins: true},
		{ID: 9, FeedID: common.HexToHash("0x01"), Threshold: 100_000_000, ExpiryTime: now.Add(-time.Hour)},
	}
	states := []tracker.MarketState{
		{MarketID: 42},
		{MarketID: 9, AttemptCount: 2, LastAttempt: tracker.Attempt{Status: tracker.StatusFailedTransient}, RetryAfter: now.Add(20 * time.Second)},
	}

	var out bytes.Buffer
	printMarkets(&out, markets, states, now)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "above 65000")
	assert.Contains(t, lines[1], "new")
	assert.Contains(t, lines[2], "failed-transient")
	assert.Contains(t, lines[2], "in 20s")
}

func TestPrintSummary(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	printSummary(&out, keeper.CycleSummary{ID: "abc", Candidates: 3, Confirmed: 1, Abandoned: 1, Retried: 1})
	assert.Contains(t, out.String(), "Cycle abc")
	assert.Contains(t, out.String(), "confirmed:  1")
}

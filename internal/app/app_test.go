package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/strikekeeper/internal/cache/memory"
	"github.com/alanyoungcy/strikekeeper/internal/config"
	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

const hardhatKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = mode
	// Dialing an HTTP endpoint does not connect until the first call.
	cfg.Chain.RPCURL = "http://127.0.0.1:1"
	cfg.Chain.FactoryAddress = "0x00000000000000000000000000000000000000fa"
	cfg.Ledger.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Custody.BaseURL = "http://127.0.0.1:2"
	cfg.Wallet.PrivateKey = hardhatKey
	return &cfg
}

func wire(t *testing.T, cfg *config.Config) *Dependencies {
	t.Helper()
	deps, cleanup, err := Wire(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return deps
}

func TestWire_ServerMode(t *testing.T) {
	deps := wire(t, testConfig(t, "server"))

	assert.Nil(t, deps.Signer, "server mode never loads the keeper key")
	assert.NotNil(t, deps.Ledger)
	assert.NotNil(t, deps.Audit)
	assert.NotNil(t, deps.Custody)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.Archiver)
	assert.IsType(t, &memory.Bus{}, deps.SignalBus)
	assert.Contains(t, deps.Health, "chain")
	assert.Contains(t, deps.Health, "ledger")

	require.NoError(t, deps.Health["ledger"].Ping(context.Background()))

	a := New(testConfig(t, "server"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	engine, svc := a.buildSettlement(deps)
	require.NotNil(t, engine)
	require.NotNil(t, svc)

	_, err := svc.Preview(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWire_KeeperMode(t *testing.T) {
	cfg := testConfig(t, "keeper")
	deps := wire(t, cfg)

	require.NotNil(t, deps.Signer)
	assert.Equal(t, deps.Signer.Address(), deps.Gateway.KeeperAddress())
	assert.Nil(t, deps.Ledger, "keeper mode without result notifications has no ledger")
	assert.Nil(t, deps.Telegram)

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	k, err := a.buildKeeper(deps)
	require.NoError(t, err)
	assert.NotNil(t, k)

	cfg.Keeper.Feed = "DOGE/USD"
	_, err = a.buildKeeper(deps)
	assert.Error(t, err)
}

func TestWire_ResultNotificationsNeedLedger(t *testing.T) {
	cfg := testConfig(t, "keeper")
	cfg.Notify.NotifyResults = true
	cfg.Notify.TelegramToken = "token"
	deps := wire(t, cfg)

	assert.NotNil(t, deps.Ledger)
	require.NotNil(t, deps.Telegram)
	assert.False(t, deps.Notifier.Enabled(domain.EventMarketCreated), "no operator chat configured")
}

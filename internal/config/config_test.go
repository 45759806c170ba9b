package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFactory = "0x00000000000000000000000000000000000000fa"

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keeper.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Chain.FactoryAddress = testFactory
	cfg.Wallet.PrivateKey = "0xabc"
	cfg.Custody.BaseURL = "https://custody.example"
	return &cfg
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeTOML(t, `
mode = "keeper"
log_format = "line"

[chain]
factory_address = "`+testFactory+`"
receipt_timeout = "90s"

[keeper]
feed = "BNB/USD"
duration = "15m"
seed_stake_wei = "1000"
`)
	t.Setenv("KEEPER_RESOLVE_POLL_INTERVAL", "10s")
	t.Setenv("KEEPER_WALLET_PRIVATE_KEY", "0xdeadbeef")
	t.Setenv("KEEPER_NOTIFY_EVENTS", "keeper_error, market_resolved ,")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, "line", cfg.LogFormat)
	assert.Equal(t, 90*time.Second, cfg.Chain.ReceiptTimeout.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Keeper.Duration.Duration)
	assert.Equal(t, 10*time.Second, cfg.Keeper.ResolvePollInterval.Duration)
	assert.Equal(t, "BNB/USD", cfg.Keeper.Feed)
	assert.Equal(t, "0xdeadbeef", cfg.Wallet.PrivateKey)
	assert.Equal(t, []string{"keeper_error", "market_resolved"}, cfg.Notify.Events)
	// Untouched defaults survive.
	assert.Equal(t, int64(97), cfg.Chain.ChainID)
	assert.Equal(t, 5, cfg.Keeper.RecentScan)

	creation, resolution, seed, err := cfg.Keeper.Wei()
	require.NoError(t, err)
	assert.Equal(t, int64(1), creation.Int64())
	assert.Equal(t, int64(1_000_000_000_000_000), resolution.Int64())
	assert.Equal(t, int64(1000), seed.Int64())

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "full", cfg.Mode)
}

func TestLoad_BadTOML(t *testing.T) {
	_, err := Load(writeTOML(t, "mode = "))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Mode = "trade" }, `unknown mode "trade"`},
		{"zero factory", func(c *Config) { c.Chain.FactoryAddress = "0x0000000000000000000000000000000000000000" }, "zero address"},
		{"bad factory", func(c *Config) { c.Chain.FactoryAddress = "nope" }, "is not an address"},
		{"no key", func(c *Config) { c.Wallet.PrivateKey = "" }, "private_key or encrypted_key_path"},
		{"unknown feed", func(c *Config) { c.Keeper.Feed = "DOGE/USD" }, `feed "DOGE/USD" is not in [feeds]`},
		{"bad feed id", func(c *Config) { c.Feeds["ETH/USD"] = "0x12" }, "feeds:"},
		{"short duration", func(c *Config) { c.Keeper.Duration.Duration = time.Second }, "duration must be at least 1m"},
		{"bad fee", func(c *Config) { c.Keeper.ResolutionFeeWei = "-5" }, "resolution_fee_wei"},
		{"bad seed side", func(c *Config) { c.Keeper.SeedSide = "sideways" }, "seed_side"},
		{"ledger", func(c *Config) { c.Ledger.Backend = "mongo" }, "ledger: backend"},
		{"custody", func(c *Config) { c.Custody.BaseURL = "" }, "custody: base_url"},
		{"custody hmac", func(c *Config) { c.Custody.APISecret = "s" }, "api_key_id and api_secret"},
		{"postgres", func(c *Config) { c.Ledger.Backend = "postgres"; c.Postgres.Host = "" }, "postgres: host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "nope"
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
	assert.Contains(t, err.Error(), "server: port")
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Custody.APISecret = "s3cret"
	cfg.Notify.TelegramToken = "tok"
	cfg.Postgres.DSN = "postgres://keeper:pw@db:5432/keeper?sslmode=disable"

	out := RedactedConfig(cfg)
	assert.Equal(t, "postgres://keeper:xxxxx@db:5432/keeper?sslmode=disable", out.Postgres.DSN)
	assert.Equal(t, "***", redactURL("host=db password=pw"))
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Custody.APISecret)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Postgres.Password)

	out.Feeds["X"] = "y"
	assert.NotContains(t, cfg.Feeds, "X")
	assert.Equal(t, "0xabc", cfg.Wallet.PrivateKey)
}

package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, loads .env if present,
// and applies KEEPER_* overrides. A missing file is not an error, so a
// deployment can be configured from the environment alone. The result is
// not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose KEEPER_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// Chain
	setStr(&cfg.Chain.RPCURL, "KEEPER_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "KEEPER_CHAIN_ID")
	setStr(&cfg.Chain.FactoryAddress, "KEEPER_FACTORY_ADDRESS")
	setDuration(&cfg.Chain.ReceiptTimeout, "KEEPER_CHAIN_RECEIPT_TIMEOUT")
	setInt(&cfg.Chain.GasPriceBumpPct, "KEEPER_CHAIN_GAS_PRICE_BUMP_PCT")
	setStr(&cfg.Chain.ExplorerURL, "KEEPER_CHAIN_EXPLORER_URL")

	// Wallet
	setStr(&cfg.Wallet.PrivateKey, "KEEPER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "KEEPER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "KEEPER_WALLET_KEY_PASSWORD")

	// Oracle
	setStr(&cfg.Oracle.HermesURL, "KEEPER_ORACLE_HERMES_URL")
	setFloat64(&cfg.Oracle.RatePerSec, "KEEPER_ORACLE_RATE_PER_SEC")

	// Keeper
	setStr(&cfg.Keeper.Feed, "KEEPER_FEED")
	setDuration(&cfg.Keeper.Duration, "KEEPER_DURATION")
	setDuration(&cfg.Keeper.ResolvePollInterval, "KEEPER_RESOLVE_POLL_INTERVAL")
	setInt(&cfg.Keeper.RecentScan, "KEEPER_RECENT_SCAN")
	setStr(&cfg.Keeper.CreationFeeWei, "KEEPER_CREATION_FEE_WEI")
	setStr(&cfg.Keeper.ResolutionFeeWei, "KEEPER_RESOLUTION_FEE_WEI")
	setStr(&cfg.Keeper.SeedStakeWei, "KEEPER_SEED_STAKE_WEI")
	setStr(&cfg.Keeper.SeedSide, "KEEPER_SEED_SIDE")
	setBool(&cfg.Keeper.CreateOnStart, "KEEPER_CREATE_ON_START")
	setInt(&cfg.Keeper.ReadConcurrency, "KEEPER_READ_CONCURRENCY")

	// Ledger
	setStr(&cfg.Ledger.Backend, "KEEPER_LEDGER_BACKEND")
	setStr(&cfg.Ledger.SQLitePath, "KEEPER_LEDGER_SQLITE_PATH")

	// Postgres
	setStr(&cfg.Postgres.DSN, "KEEPER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "KEEPER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "KEEPER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "KEEPER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "KEEPER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "KEEPER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "KEEPER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "KEEPER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "KEEPER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "KEEPER_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setBool(&cfg.Redis.Enabled, "KEEPER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "KEEPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "KEEPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "KEEPER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "KEEPER_REDIS_TLS_ENABLED")

	// S3
	setBool(&cfg.S3.Enabled, "KEEPER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "KEEPER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "KEEPER_S3_REGION")
	setStr(&cfg.S3.Bucket, "KEEPER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "KEEPER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "KEEPER_S3_SECRET_KEY")

	// Settlement
	setInt(&cfg.Settlement.HistoryPageSize, "KEEPER_SETTLEMENT_HISTORY_PAGE_SIZE")
	setDuration(&cfg.Settlement.LockTTL, "KEEPER_SETTLEMENT_LOCK_TTL")

	// Custody
	setStr(&cfg.Custody.BaseURL, "KEEPER_CUSTODY_BASE_URL")
	setStr(&cfg.Custody.APIKey, "KEEPER_CUSTODY_API_KEY")
	setStr(&cfg.Custody.APIKeyID, "KEEPER_CUSTODY_API_KEY_ID")
	setStr(&cfg.Custody.APISecret, "KEEPER_CUSTODY_API_SECRET")

	// Server
	setBool(&cfg.Server.Enabled, "KEEPER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "KEEPER_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "KEEPER_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "KEEPER_SERVER_CORS_ORIGINS")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "KEEPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "KEEPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "KEEPER_NOTIFY_DISCORD_WEBHOOK_URL")
	setBool(&cfg.Notify.NotifyResults, "KEEPER_NOTIFY_RESULTS")
	setStringSlice(&cfg.Notify.Events, "KEEPER_NOTIFY_EVENTS")

	// Top-level
	setStr(&cfg.Mode, "KEEPER_MODE")
	setStr(&cfg.LogLevel, "KEEPER_LOG_LEVEL")
	setStr(&cfg.LogFormat, "KEEPER_LOG_FORMAT")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}

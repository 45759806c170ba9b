// Package config defines the strikekeeper configuration and its validation.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by KEEPER_* environment variables.
type Config struct {
	Chain      ChainConfig       `toml:"chain"`
	Wallet     WalletConfig      `toml:"wallet"`
	Oracle     OracleConfig      `toml:"oracle"`
	Feeds      map[string]string `toml:"feeds"`
	Keeper     KeeperConfig      `toml:"keeper"`
	Ledger     LedgerConfig      `toml:"ledger"`
	Postgres   PostgresConfig    `toml:"postgres"`
	Redis      RedisConfig       `toml:"redis"`
	S3         S3Config          `toml:"s3"`
	Settlement SettlementConfig  `toml:"settlement"`
	Custody    CustodyConfig     `toml:"custody"`
	Server     ServerConfig      `toml:"server"`
	Notify     NotifyConfig      `toml:"notify"`
	Mode       string            `toml:"mode"`
	LogLevel   string            `toml:"log_level"`
	LogFormat  string            `toml:"log_format"`
}

// ChainConfig holds the JSON-RPC endpoint and contract addresses.
type ChainConfig struct {
	RPCURL          string   `toml:"rpc_url"`
	ChainID         int64    `toml:"chain_id"`
	FactoryAddress  string   `toml:"factory_address"`
	ReceiptTimeout  duration `toml:"receipt_timeout"`
	ReceiptPoll     duration `toml:"receipt_poll"`
	GasPriceBumpPct int      `toml:"gas_price_bump_pct"`
	ExplorerURL     string   `toml:"explorer_url"`
}

// Factory returns the parsed factory address.
func (c ChainConfig) Factory() common.Address {
	return common.HexToAddress(c.FactoryAddress)
}

// WalletConfig holds the keeper's signing key.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// OracleConfig holds the Hermes price service settings.
type OracleConfig struct {
	HermesURL  string   `toml:"hermes_url"`
	RatePerSec float64  `toml:"rate_per_sec"`
	Burst      int      `toml:"burst"`
	Timeout    duration `toml:"timeout"`
}

// KeeperConfig holds the market lifecycle schedule. Wei amounts are decimal
// strings so that they survive TOML's int64 limit.
type KeeperConfig struct {
	Feed                string   `toml:"feed"`
	Duration            duration `toml:"duration"`
	ResolvePollInterval duration `toml:"resolve_poll_interval"`
	RecentScan          int      `toml:"recent_scan"`
	CreationFeeWei      string   `toml:"creation_fee_wei"`
	ResolutionFeeWei    string   `toml:"resolution_fee_wei"`
	SeedStakeWei        string   `toml:"seed_stake_wei"`
	SeedSide            string   `toml:"seed_side"`
	CreateOnStart       bool     `toml:"create_on_start"`
	ReadConcurrency     int      `toml:"read_concurrency"`
}

// Wei parses the three wei amounts. An empty seed stake is zero.
func (k KeeperConfig) Wei() (creation, resolution, seed *big.Int, err error) {
	if creation, err = parseWei("creation_fee_wei", k.CreationFeeWei); err != nil {
		return nil, nil, nil, err
	}
	if resolution, err = parseWei("resolution_fee_wei", k.ResolutionFeeWei); err != nil {
		return nil, nil, nil, err
	}
	if seed, err = parseWei("seed_stake_wei", k.SeedStakeWei); err != nil {
		return nil, nil, nil, err
	}
	return creation, resolution, seed, nil
}

func parseWei(name, v string) (*big.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%s: %q is not a non-negative integer", name, v)
	}
	return n, nil
}

// LedgerConfig selects the bet ledger backend.
type LedgerConfig struct {
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled, events stay
// in process and settlement locking is local only.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds the settlement report archive bucket.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SettlementConfig tunes reconciliation and settlement.
type SettlementConfig struct {
	HistoryPageSize int      `toml:"history_page_size"`
	ReadConcurrency int      `toml:"read_concurrency"`
	LockTTL         duration `toml:"lock_ttl"`
}

// CustodyConfig holds the custodial wallet service credentials.
type CustodyConfig struct {
	BaseURL    string   `toml:"base_url"`
	APIKey     string   `toml:"api_key"`
	APIKeyID   string   `toml:"api_key_id"`
	APISecret  string   `toml:"api_secret"`
	Timeout    duration `toml:"timeout"`
	RatePerSec float64  `toml:"rate_per_sec"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled"`
	Port         int      `toml:"port"`
	APIKey       string   `toml:"api_key"`
	RateLimitRPS float64  `toml:"rate_limit_rps"`
	RateBurst    int      `toml:"rate_burst"`
	CORSOrigins  []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	NotifyResults     bool     `toml:"notify_results"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration for TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config for BSC testnet.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:         "https://bsc-testnet-rpc.publicnode.com",
			ChainID:        97,
			FactoryAddress: "0x0000000000000000000000000000000000000000",
			ReceiptTimeout: duration{2 * time.Minute},
			ReceiptPoll:    duration{3 * time.Second},
			ExplorerURL:    "https://testnet.bscscan.com",
		},
		Oracle: OracleConfig{
			HermesURL:  "https://hermes.pyth.network",
			RatePerSec: 5,
			Burst:      2,
			Timeout:    duration{15 * time.Second},
		},
		Feeds: map[string]string{
			"BTC/USD": "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
			"BNB/USD": "0x2f95862b045670cd22bee3114c39763a4a08beeb663b145d283c31d7d1101c4f",
		},
		Keeper: KeeperConfig{
			Feed:                "BTC/USD",
			Duration:            duration{5 * time.Minute},
			ResolvePollInterval: duration{30 * time.Second},
			RecentScan:          5,
			CreationFeeWei:      "1",
			ResolutionFeeWei:    "1000000000000000",
			SeedSide:            "up",
			CreateOnStart:       true,
			ReadConcurrency:     8,
		},
		Ledger: LedgerConfig{
			Backend:    "sqlite",
			SQLitePath: "strikekeeper.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "strikekeeper",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "strikekeeper-reports",
			ForcePathStyle: true,
		},
		Settlement: SettlementConfig{
			HistoryPageSize: 5,
			ReadConcurrency: 8,
			LockTTL:         duration{10 * time.Minute},
		},
		Custody: CustodyConfig{
			Timeout:    duration{30 * time.Second},
			RatePerSec: 2,
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8080,
			RateLimitRPS: 10,
			RateBurst:    20,
		},
		Notify: NotifyConfig{
			Events: []string{domain.EventMarketCreated, domain.EventKeeperError},
		},
		Mode:      "full",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

var validModes = map[string]bool{
	"keeper": true,
	"server": true,
	"full":   true,
	"sweep":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
	"line": true,
}

// NeedsSigner reports whether the mode submits keeper transactions.
func (c *Config) NeedsSigner() bool {
	switch strings.ToLower(c.Mode) {
	case "keeper", "full", "sweep":
		return true
	}
	return false
}

// NeedsLedger reports whether the mode reads the bet ledger.
func (c *Config) NeedsLedger() bool {
	switch strings.ToLower(c.Mode) {
	case "server", "full":
		return true
	}
	return c.Notify.NotifyResults
}

// Validate checks Config for invalid or missing values and returns one error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: keeper, server, full, sweep)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	if !validLogFormats[strings.ToLower(c.LogFormat)] {
		add("unknown log_format %q (valid: json, text, line)", c.LogFormat)
	}

	// Chain
	if c.Chain.RPCURL == "" {
		add("chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		add("chain: chain_id must be positive")
	}
	if !common.IsHexAddress(c.Chain.FactoryAddress) {
		add("chain: factory_address %q is not an address", c.Chain.FactoryAddress)
	} else if c.Chain.Factory() == (common.Address{}) {
		add("chain: factory_address must not be the zero address")
	}
	if c.Chain.GasPriceBumpPct < 0 {
		add("chain: gas_price_bump_pct must be >= 0")
	}

	// Wallet
	if c.NeedsSigner() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			add("wallet: either private_key or encrypted_key_path must be set for mode %s", c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.PrivateKey == "" && c.Wallet.KeyPassword == "" {
			add("wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Oracle and feeds
	if c.Oracle.HermesURL == "" {
		add("oracle: hermes_url must not be empty")
	}
	if c.Oracle.RatePerSec <= 0 {
		add("oracle: rate_per_sec must be > 0")
	}
	if _, err := domain.NewFeeds(c.Feeds); err != nil {
		add("feeds: %v", err)
	}
	if _, ok := c.Feeds[c.Keeper.Feed]; !ok {
		add("keeper: feed %q is not in [feeds]", c.Keeper.Feed)
	}

	// Keeper
	if c.Keeper.Duration.Duration < time.Minute {
		add("keeper: duration must be at least 1m, got %s", c.Keeper.Duration.Duration)
	}
	if c.Keeper.ResolvePollInterval.Duration <= 0 {
		add("keeper: resolve_poll_interval must be > 0")
	}
	if c.Keeper.RecentScan < 1 {
		add("keeper: recent_scan must be >= 1")
	}
	if c.Keeper.ReadConcurrency < 1 {
		add("keeper: read_concurrency must be >= 1")
	}
	if _, _, _, err := c.Keeper.Wei(); err != nil {
		add("keeper: %v", err)
	}
	if _, err := domain.ParseSide(c.Keeper.SeedSide); err != nil {
		add("keeper: seed_side must be up or down, got %q", c.Keeper.SeedSide)
	}

	// Ledger
	switch strings.ToLower(c.Ledger.Backend) {
	case "sqlite":
		if c.Ledger.SQLitePath == "" {
			add("ledger: sqlite_path must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		add("ledger: backend must be postgres or sqlite, got %q", c.Ledger.Backend)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	// Settlement
	if c.Settlement.HistoryPageSize < 1 {
		add("settlement: history_page_size must be >= 1")
	}

	// Custody: user settlement from the server needs it.
	if (c.Mode == "server" || c.Mode == "full") && c.Custody.BaseURL == "" {
		add("custody: base_url is required for mode %s", c.Mode)
	}
	if (c.Custody.APIKeyID == "") != (c.Custody.APISecret == "") {
		add("custody: api_key_id and api_secret must be set together")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/strikekeeper/internal/blob/s3"
	"github.com/alanyoungcy/strikekeeper/internal/cache/memory"
	"github.com/alanyoungcy/strikekeeper/internal/cache/redis"
	"github.com/alanyoungcy/strikekeeper/internal/chain"
	"github.com/alanyoungcy/strikekeeper/internal/config"
	"github.com/alanyoungcy/strikekeeper/internal/crypto"
	"github.com/alanyoungcy/strikekeeper/internal/custody"
	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/notify"
	"github.com/alanyoungcy/strikekeeper/internal/oracle"
	"github.com/alanyoungcy/strikekeeper/internal/server/handler"
	"github.com/alanyoungcy/strikekeeper/internal/store/postgres"
	"github.com/alanyoungcy/strikekeeper/internal/store/sqlite"
)

// Dependencies bundles every concrete dependency the modes need. Optional
// parts are nil when their config section is disabled.
type Dependencies struct {
	Feeds domain.Feeds

	// Chain
	Backend  *ethclient.Client
	Signer   *crypto.TxSigner // nil for read-only modes
	Gateway  *chain.Gateway
	Receipts *chain.ReceiptWaiter
	Oracle   *oracle.Client

	// Stores
	Ledger domain.LedgerStore
	Audit  domain.AuditStore

	// Events and locking
	SignalBus   domain.SignalBus
	LockManager domain.LockManager

	// Blob storage
	Archiver domain.ReportArchiver

	// External services
	Custody  *custody.Settlers
	Notifier *notify.Notifier
	Telegram *notify.TelegramSender

	// Health probes for /api/health
	Health map[string]handler.Pinger
}

// pingFunc adapts a function to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Health: make(map[string]handler.Pinger)}

	feeds, err := domain.NewFeeds(cfg.Feeds)
	if err != nil {
		return fail(fmt.Errorf("wire: feeds: %w", err))
	}
	deps.Feeds = feeds

	// --- Chain ---
	backend, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	closers = append(closers, backend.Close)
	deps.Backend = backend
	deps.Health["chain"] = pingFunc(func(ctx context.Context) error {
		_, err := backend.BlockNumber(ctx)
		return err
	})
	deps.Receipts = chain.NewReceiptWaiter(backend, cfg.Chain.ReceiptTimeout.Duration, cfg.Chain.ReceiptPoll.Duration)

	var tx *chain.Transactor
	if cfg.NeedsSigner() {
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		}, cfg.Chain.ChainID)
		if err != nil {
			return fail(fmt.Errorf("wire: signer: %w", err))
		}
		deps.Signer = signer
		tx = chain.NewTransactor(backend, signer, chain.TransactorConfig{
			ReceiptTimeout:  cfg.Chain.ReceiptTimeout.Duration,
			PollInterval:    cfg.Chain.ReceiptPoll.Duration,
			GasPriceBumpPct: cfg.Chain.GasPriceBumpPct,
		}, logger)
		logger.InfoContext(ctx, "keeper signer loaded", slog.String("address", signer.Address().Hex()))
	}
	deps.Gateway = chain.NewGateway(backend, cfg.Chain.Factory(), tx)

	deps.Oracle = oracle.NewClient(cfg.Oracle.HermesURL,
		oracle.WithHTTPClient(&http.Client{Timeout: cfg.Oracle.Timeout.Duration}),
		oracle.WithRateLimit(cfg.Oracle.RatePerSec, cfg.Oracle.Burst),
		oracle.WithLogger(logger),
	)

	// --- Ledger ---
	if cfg.NeedsLedger() {
		switch strings.ToLower(cfg.Ledger.Backend) {
		case "postgres":
			pgClient, err := postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.Postgres.DSN,
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
				Database: cfg.Postgres.Database,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				SSLMode:  cfg.Postgres.SSLMode,
				MaxConns: cfg.Postgres.PoolMaxConns,
				MinConns: cfg.Postgres.PoolMinConns,
			})
			if err != nil {
				return fail(fmt.Errorf("wire: postgres: %w", err))
			}
			closers = append(closers, pgClient.Close)

			if cfg.Postgres.RunMigrations {
				if err := pgClient.RunMigrations(ctx); err != nil {
					return fail(fmt.Errorf("wire: postgres migrations: %w", err))
				}
			}
			pool := pgClient.Pool()
			deps.Ledger = postgres.NewLedgerStore(pool)
			deps.Audit = postgres.NewAuditStore(pool)
			deps.Health["ledger"] = pgClient

		default:
			store, err := sqlite.Open(cfg.Ledger.SQLitePath)
			if err != nil {
				return fail(fmt.Errorf("wire: sqlite: %w", err))
			}
			closers = append(closers, func() { _ = store.Close() })
			deps.Ledger = store
			deps.Audit = store
			deps.Health["ledger"] = store
		}
	}

	// --- Redis, or the in-process bus ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Health["redis"] = redisClient
	} else {
		deps.SignalBus = memory.NewBus()
	}

	// --- S3 report archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewReportArchiver(s3Client)
		deps.Health["s3"] = s3Client
	}

	// --- Custody ---
	if cfg.Custody.BaseURL != "" {
		var auth *crypto.HMACAuth
		if cfg.Custody.APIKeyID != "" {
			auth = &crypto.HMACAuth{Key: cfg.Custody.APIKeyID, Secret: cfg.Custody.APISecret}
		}
		client := custody.NewClient(custody.Config{
			BaseURL:    cfg.Custody.BaseURL,
			APIKey:     cfg.Custody.APIKey,
			Auth:       auth,
			ChainID:    cfg.Chain.ChainID,
			Timeout:    cfg.Custody.Timeout.Duration,
			RatePerSec: cfg.Custody.RatePerSec,
		}, logger)
		deps.Custody = custody.NewSettlers(client, deps.Receipts)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" {
		deps.Telegram = notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if cfg.Notify.TelegramChatID != "" {
			senders = append(senders, deps.Telegram)
		}
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

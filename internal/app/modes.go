package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/keeper"
	"github.com/alanyoungcy/strikekeeper/internal/notify"
	"github.com/alanyoungcy/strikekeeper/internal/reconcile"
	"github.com/alanyoungcy/strikekeeper/internal/server"
	"github.com/alanyoungcy/strikekeeper/internal/server/handler"
	"github.com/alanyoungcy/strikekeeper/internal/server/ws"
	"github.com/alanyoungcy/strikekeeper/internal/settlement"
)

const shutdownTimeout = 5 * time.Second

// KeeperMode runs market creation and resolution. The HTTP server, when
// enabled, serves health, metrics, prices and the live event feed.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	k, err := a.buildKeeper(deps)
	if err != nil {
		return fmt.Errorf("keeper mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Run(ctx) })

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, nil, nil)
	}
	return g.Wait()
}

// ServerMode serves the settlement API without running the keeper.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	engine, svc := a.buildSettlement(deps)

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, engine, svc)
	return g.Wait()
}

// FullMode runs the keeper and the settlement API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	k, err := a.buildKeeper(deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	engine, svc := a.buildSettlement(deps)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Run(ctx) })
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, engine, svc)
	}
	return g.Wait()
}

// SweepMode claims and refunds every position the keeper account holds,
// prints a summary table and exits.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep")

	_, svc := a.buildSettlement(deps)
	res, err := svc.Sweep(ctx, func(p domain.Progress) {
		a.logger.InfoContext(ctx, "sweep progress",
			slog.Int("index", p.Index),
			slog.Int("total", p.Total),
			slog.String("item", p.Label),
		)
	})
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if err := res.WriteTable(os.Stdout); err != nil {
		return fmt.Errorf("sweep: render: %w", err)
	}
	if res.Report.Failed > 0 {
		return fmt.Errorf("sweep: %d of %d items failed", res.Report.Failed, res.Report.Attempted)
	}
	return nil
}

// buildKeeper translates the keeper config section into a keeper.Keeper.
func (a *App) buildKeeper(deps *Dependencies) (*keeper.Keeper, error) {
	kc := a.cfg.Keeper
	feed, ok := deps.Feeds.ID(kc.Feed)
	if !ok {
		return nil, fmt.Errorf("feed %q is not configured", kc.Feed)
	}
	creation, resolution, seed, err := kc.Wei()
	if err != nil {
		return nil, err
	}
	side, err := domain.ParseSide(kc.SeedSide)
	if err != nil {
		return nil, err
	}

	opts := []keeper.Option{
		keeper.WithNotifier(deps.Notifier),
		keeper.WithBus(deps.SignalBus),
	}
	if a.cfg.Notify.NotifyResults && deps.Telegram != nil && deps.Ledger != nil {
		opts = append(opts, keeper.WithResultNotifier(
			notify.NewResultNotifier(deps.Gateway, deps.Ledger, deps.Feeds, deps.Telegram, a.logger),
		))
	}

	return keeper.New(keeper.Config{
		Feed:            feed,
		FeedLabel:       kc.Feed,
		Duration:        kc.Duration.Duration,
		ResolvePoll:     kc.ResolvePollInterval.Duration,
		RecentScan:      kc.RecentScan,
		CreationFee:     creation,
		ResolutionFee:   resolution,
		SeedStake:       seed,
		SeedSide:        side,
		CreateOnStart:   kc.CreateOnStart,
		ReadConcurrency: kc.ReadConcurrency,
	}, deps.Gateway, deps.Gateway, deps.Oracle, deps.Feeds, a.logger, opts...), nil
}

// buildSettlement assembles the reconciliation engine and the settlement
// service around it.
func (a *App) buildSettlement(deps *Dependencies) (*reconcile.Engine, *settlement.Service) {
	sc := a.cfg.Settlement
	engine := reconcile.NewEngine(deps.Ledger, deps.Gateway, deps.Feeds, reconcile.Config{
		PageSize:    sc.HistoryPageSize,
		Concurrency: sc.ReadConcurrency,
		ExplorerURL: a.cfg.Chain.ExplorerURL,
	}, a.logger)

	execOpts := []settlement.ExecutorOption{settlement.WithBus(deps.SignalBus)}
	if deps.Audit != nil {
		execOpts = append(execOpts, settlement.WithAudit(deps.Audit))
	}
	if deps.Archiver != nil {
		execOpts = append(execOpts, settlement.WithArchive(deps.Archiver))
	}
	exec := settlement.NewExecutor(a.logger, execOpts...)
	guard := settlement.NewGuard(deps.LockManager, sc.LockTTL.Duration)

	var settlers settlement.SettlerSource
	if deps.Custody != nil {
		settlers = deps.Custody
	}
	var keeperSettler settlement.KeeperSettler
	if deps.Signer != nil {
		keeperSettler = deps.Gateway
	}
	return engine, settlement.NewService(deps.Ledger, engine, exec, guard, settlers, keeperSettler, a.logger)
}

// startHTTPServer registers the server, its shutdown hook and the WebSocket
// hub on g. engine and svc are nil in keeper mode, which leaves the user
// endpoints unregistered.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *reconcile.Engine, svc *settlement.Service) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Reports: handler.NewReportHandler(deps.SignalBus, deps.Audit, a.logger),
		Prices:  handler.NewPriceHandler(deps.Oracle, deps.Feeds, a.logger),
	}
	if engine != nil && svc != nil {
		handlers.Users = handler.NewUserHandler(svc, engine, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		RateLimitRPS: a.cfg.Server.RateLimitRPS,
		RateBurst:    a.cfg.Server.RateBurst,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

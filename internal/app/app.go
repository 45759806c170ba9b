// Package app wires the keeper, the settlement engine and the HTTP server
// together and runs them according to the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/strikekeeper/internal/config"
)

type modeFunc func(*App, context.Context, *Dependencies) error

var modes = map[string]modeFunc{
	"keeper": (*App).KeeperMode,
	"server": (*App).ServerMode,
	"full":   (*App).FullMode,
	"sweep":  (*App).SweepMode,
}

// App owns the configuration, the root logger and the teardown of whatever
// Wire opened.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	cleanup   func()
	closeOnce sync.Once
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run wires dependencies for the configured mode and blocks until the mode
// returns or ctx is cancelled. A sweep returns on its own; the other modes
// run until cancellation.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire %s: %w", mode, err)
	}
	a.cleanup = cleanup

	attrs := []any{
		slog.String("mode", mode),
		slog.Int64("chain_id", a.cfg.Chain.ChainID),
		slog.String("factory", a.cfg.Chain.FactoryAddress),
		slog.Any("feeds", deps.Feeds.Names()),
	}
	if deps.Signer != nil {
		attrs = append(attrs, slog.String("keeper", deps.Signer.Address().Hex()))
	}
	a.logger.InfoContext(ctx, "strikekeeper started", attrs...)

	return run(a, ctx, deps)
}

// Close releases everything Wire opened. Only the first call has an effect.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.cleanup == nil {
			return
		}
		a.logger.Info("releasing resources")
		a.cleanup()
	})
}

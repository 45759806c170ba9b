// Package reconcile merges the local bet ledger with on-chain market state to
// work out what each user can claim or refund. The ledger only says which
// markets to look at; amounts and eligibility always come from the chain.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

const (
	defaultPageSize    = 5
	defaultConcurrency = 8
	registryChunk      = 100
)

// Config tunes the engine.
type Config struct {
	// PageSize is the number of past markets per history page.
	PageSize int
	// Concurrency bounds parallel chain reads.
	Concurrency int
	// ExplorerURL, when set, is used to build transaction links in history.
	ExplorerURL string
}

// Engine classifies markets and builds settlement plans.
type Engine struct {
	ledger domain.LedgerStore
	chain  domain.MarketReader
	feeds  domain.Feeds
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(ledger domain.LedgerStore, chain domain.MarketReader, feeds domain.Feeds, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Engine{
		ledger: ledger,
		chain:  chain,
		feeds:  feeds,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "reconcile")),
	}
}

// Classification buckets markets by on-chain state. Each bucket keeps the
// order of the input addresses.
type Classification struct {
	Active    []domain.UnresolvedSnapshot `json:"active"`
	Resolved  []domain.ResolvedSnapshot   `json:"resolved"`
	Cancelled []domain.UnresolvedSnapshot `json:"cancelled"`
}

// Plan is a freshly computed settlement plan: claims first, then refunds.
type Plan struct {
	User           domain.User       `json:"user"`
	Classification Classification    `json:"classification"`
	Items          []domain.PlanItem `json:"items"`
}

// Classify checks each address against the factory, reads its snapshot and
// buckets it. Addresses the factory does not recognise and addresses whose
// reads fail are dropped from this pass.
func (e *Engine) Classify(ctx context.Context, markets []common.Address) (Classification, error) {
	snaps := make([]domain.Snapshot, len(markets))
	err := e.each(ctx, len(markets), func(ctx context.Context, i int) {
		snap, err := e.verifiedSnapshot(ctx, markets[i])
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, domain.ErrNotFactoryMarket) {
				level = slog.LevelDebug
			}
			e.logger.Log(ctx, level, "dropping market from classification",
				slog.String("market", markets[i].Hex()),
				slog.String("kind", string(domain.KindOf(err))),
				slog.String("error", err.Error()),
			)
			return
		}
		snaps[i] = snap
	})
	if err != nil {
		return Classification{}, err
	}

	var c Classification
	for _, snap := range snaps {
		switch s := snap.(type) {
		case domain.ResolvedSnapshot:
			c.Resolved = append(c.Resolved, s)
		case domain.UnresolvedSnapshot:
			if s.State == domain.MarketCancelled {
				c.Cancelled = append(c.Cancelled, s)
			} else {
				c.Active = append(c.Active, s)
			}
		}
	}
	return c, nil
}

func (e *Engine) verifiedSnapshot(ctx context.Context, market common.Address) (domain.Snapshot, error) {
	ok, err := e.chain.IsMarket(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("reconcile: factory check: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("reconcile: %s: %w", market.Hex(), domain.ErrNotFactoryMarket)
	}
	snap, err := e.chain.Snapshot(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("reconcile: snapshot: %w", err)
	}
	return snap, nil
}

// ClassifyUser classifies every distinct market in userID's ledger, newest
// first.
func (e *Engine) ClassifyUser(ctx context.Context, userID int64) (Classification, error) {
	markets, err := e.ledger.ListMarketsForUser(ctx, userID, domain.ListOpts{})
	if err != nil {
		return Classification{}, fmt.Errorf("reconcile: list markets for user %d: %w", userID, err)
	}
	return e.Classify(ctx, markets)
}

// DetermineClaimable returns a claim for each resolved market where wallet
// still holds shares on the winning side. Shares are read from the chain, so
// hedged positions are handled and an executed claim (zeroed shares) never
// comes back.
func (e *Engine) DetermineClaimable(ctx context.Context, resolved []domain.ResolvedSnapshot, wallet common.Address) ([]domain.PlanItem, error) {
	items := make([]*domain.PlanItem, len(resolved))
	err := e.each(ctx, len(resolved), func(ctx context.Context, i int) {
		m := resolved[i]
		pos, err := e.chain.Position(ctx, m.Address, wallet)
		if err != nil {
			e.logger.WarnContext(ctx, "position read failed",
				slog.String("market", m.Address.Hex()), slog.String("error", err.Error()))
			return
		}
		shares := pos.SharesOn(m.WinningSide)
		if shares.Sign() == 0 {
			return
		}
		items[i] = &domain.PlanItem{
			Market:    m.Address,
			FeedLabel: e.feeds.Label(m.PriceFeedID),
			Action:    domain.ActionClaim,
			Amount:    shares,
		}
	})
	return compact(items), err
}

// DetermineRefundable returns a refund for each cancelled market where wallet
// still holds shares on either side.
func (e *Engine) DetermineRefundable(ctx context.Context, cancelled []domain.UnresolvedSnapshot, wallet common.Address) ([]domain.PlanItem, error) {
	items := make([]*domain.PlanItem, len(cancelled))
	err := e.each(ctx, len(cancelled), func(ctx context.Context, i int) {
		m := cancelled[i]
		pos, err := e.chain.Position(ctx, m.Address, wallet)
		if err != nil {
			e.logger.WarnContext(ctx, "position read failed",
				slog.String("market", m.Address.Hex()), slog.String("error", err.Error()))
			return
		}
		if !pos.HasShares() {
			return
		}
		items[i] = &domain.PlanItem{
			Market:    m.Address,
			FeedLabel: e.feeds.Label(m.PriceFeedID),
			Action:    domain.ActionRefund,
			Amount:    pos.TotalStake(),
		}
	})
	return compact(items), err
}

// Plan classifies the user's ledger markets and computes their claims and
// refunds against the user's wallet.
func (e *Engine) Plan(ctx context.Context, user domain.User) (Plan, error) {
	markets, err := e.ledger.ListMarketsForUser(ctx, user.ID, domain.ListOpts{})
	if err != nil {
		return Plan{}, fmt.Errorf("reconcile: list markets for user %d: %w", user.ID, err)
	}
	p, err := e.PlanForWallet(ctx, markets, user.Wallet)
	p.User = user
	return p, err
}

// PlanForWallet computes a plan over an explicit market list.
func (e *Engine) PlanForWallet(ctx context.Context, markets []common.Address, wallet common.Address) (Plan, error) {
	c, err := e.Classify(ctx, markets)
	if err != nil {
		return Plan{}, err
	}
	claims, err := e.DetermineClaimable(ctx, c.Resolved, wallet)
	if err != nil {
		return Plan{}, err
	}
	refunds, err := e.DetermineRefundable(ctx, c.Cancelled, wallet)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Classification: c, Items: append(claims, refunds...)}, nil
}

// RegistryMarkets lists every market the factory has created, oldest first.
func (e *Engine) RegistryMarkets(ctx context.Context) ([]common.Address, error) {
	count, err := e.chain.MarketCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: market count: %w", err)
	}
	out := make([]common.Address, 0, count)
	for offset := uint64(0); offset < count; offset += registryChunk {
		addrs, err := e.chain.Markets(ctx, offset, min(uint64(registryChunk), count-offset))
		if err != nil {
			return nil, fmt.Errorf("reconcile: list markets at %d: %w", offset, err)
		}
		out = append(out, addrs...)
	}
	return out, nil
}

// ClassifyRegistry plans claims and refunds for wallet over the whole factory
// registry rather than a ledger.
func (e *Engine) ClassifyRegistry(ctx context.Context, wallet common.Address) (Plan, error) {
	markets, err := e.RegistryMarkets(ctx)
	if err != nil {
		return Plan{}, err
	}
	return e.PlanForWallet(ctx, markets, wallet)
}

// each runs fn for indexes [0, n) with bounded concurrency. fn reports its
// own failures; each only returns the context error.
func (e *Engine) each(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(gctx, i)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

func compact(items []*domain.PlanItem) []domain.PlanItem {
	out := make([]domain.PlanItem, 0, len(items))
	for _, it := range items {
		if it != nil {
			out = append(out, *it)
		}
	}
	return out
}

// Package keeper drives the market lifecycle: it opens a new market on every
// wall-clock boundary and resolves markets once they expire.
package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/metrics"
)

const (
	defaultDuration        = 5 * time.Minute
	defaultResolvePoll     = 30 * time.Second
	defaultRecentScan      = 5
	defaultReadConcurrency = 8
)

// Config controls the keeper's schedule and fees.
type Config struct {
	Feed      common.Hash
	FeedLabel string
	Duration  time.Duration
	// ResolvePoll is the interval between resolution scans.
	ResolvePoll time.Duration
	// RecentScan is how many of the newest markets HasOpenMarket inspects.
	RecentScan    int
	CreationFee   *big.Int
	ResolutionFee *big.Int
	// SeedStake, when positive, is bet on SeedSide right after a creation.
	SeedStake       *big.Int
	SeedSide        domain.Side
	CreateOnStart   bool
	ReadConcurrency int
}

func (c *Config) applyDefaults() {
	if c.Duration <= 0 {
		c.Duration = defaultDuration
	}
	if c.ResolvePoll <= 0 {
		c.ResolvePoll = defaultResolvePoll
	}
	if c.RecentScan <= 0 {
		c.RecentScan = defaultRecentScan
	}
	if c.ReadConcurrency <= 0 {
		c.ReadConcurrency = defaultReadConcurrency
	}
	if c.CreationFee == nil {
		c.CreationFee = big.NewInt(1)
	}
	if c.ResolutionFee == nil {
		c.ResolutionFee = big.NewInt(1_000_000_000_000_000)
	}
	if c.FeedLabel == "" {
		c.FeedLabel = domain.UnknownFeed
	}
}

// Notifier is satisfied by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ResultNotifier tells bettors how a freshly resolved market ended.
type ResultNotifier interface {
	NotifyResult(ctx context.Context, market common.Address) (int, error)
}

// Keeper owns the creation and resolution tasks. All writes go through one
// MarketWriter, which serializes them.
type Keeper struct {
	cfg     Config
	reader  domain.MarketReader
	writer  domain.MarketWriter
	oracle  domain.PriceOracle
	feeds   domain.Feeds
	notify  Notifier
	results ResultNotifier
	bus     domain.SignalBus
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Keeper)

// WithNotifier sends operator alerts for creations and errors.
func WithNotifier(n Notifier) Option { return func(k *Keeper) { k.notify = n } }

// WithResultNotifier tells bettors about resolved markets.
func WithResultNotifier(r ResultNotifier) Option { return func(k *Keeper) { k.results = r } }

// WithBus publishes keeper events on the "keeper" channel.
func WithBus(b domain.SignalBus) Option { return func(k *Keeper) { k.bus = b } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(k *Keeper) { k.now = now } }

// New creates a Keeper.
func New(cfg Config, reader domain.MarketReader, writer domain.MarketWriter, oracle domain.PriceOracle, feeds domain.Feeds, logger *slog.Logger, opts ...Option) *Keeper {
	cfg.applyDefaults()
	k := &Keeper{
		cfg:    cfg,
		reader: reader,
		writer: writer,
		oracle: oracle,
		feeds:  feeds,
		now:    time.Now,
		logger: logger.With(slog.String("component", "keeper")),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Run starts both tasks and blocks until ctx is cancelled or a task fails.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper starting",
		slog.String("feed", k.cfg.FeedLabel),
		slog.Duration("duration", k.cfg.Duration),
		slog.Duration("resolve_poll", k.cfg.ResolvePoll),
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.RunCreation(ctx) })
	g.Go(func() error { return k.RunResolution(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunCreation attempts a creation on start (if configured) and then on every
// duration boundary.
func (k *Keeper) RunCreation(ctx context.Context) error {
	if k.cfg.CreateOnStart {
		k.CreateOnce(ctx)
	}
	for {
		wait := UntilNextBoundary(k.now(), k.cfg.Duration)
		k.logger.InfoContext(ctx, "next market creation scheduled",
			slog.Time("at", k.now().Add(wait).UTC()),
			slog.Duration("in", wait.Round(time.Second)),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		k.CreateOnce(ctx)
	}
}

// RunResolution scans for expired markets every ResolvePoll.
func (k *Keeper) RunResolution(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.ResolvePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.ResolveOnce(ctx)
		}
	}
}

// HasOpenMarket reports whether one of the newest RecentScan markets is Open
// and still before its trading cutoff.
func (k *Keeper) HasOpenMarket(ctx context.Context) (bool, error) {
	count, err := k.reader.MarketCount(ctx)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	limit := min(count, uint64(k.cfg.RecentScan))
	addrs, err := k.reader.Markets(ctx, count-limit, limit)
	if err != nil {
		return false, err
	}
	now := k.now()
	for _, addr := range addrs {
		snap, err := k.reader.Snapshot(ctx, addr)
		if err != nil {
			return false, err
		}
		if snap.Info().AcceptingBets(now) {
			return true, nil
		}
	}
	return false, nil
}

// Creation outcomes.
const (
	OutcomeCreated     = "created"
	OutcomeSkippedOpen = "skipped_open"
	OutcomeFailed      = "failed"
)

// CreationResult describes one creation attempt.
type CreationResult struct {
	Outcome string           `json:"outcome"`
	TxHash  common.Hash      `json:"tx_hash,omitempty"`
	Market  common.Address   `json:"market,omitempty"`
	Kind    domain.ErrorKind `json:"kind,omitempty"`
	Err     error            `json:"-"`
}

// CreateOnce runs a single creation tick. It never returns an error; failures
// are reported in the result and retried at the next boundary.
func (k *Keeper) CreateOnce(ctx context.Context) CreationResult {
	start := k.now()
	defer metrics.ObserveTick("create", start)

	res := k.create(ctx)
	metrics.KeeperCreations.WithLabelValues(res.Outcome).Inc()

	switch res.Outcome {
	case OutcomeSkippedOpen:
		k.logger.InfoContext(ctx, "skipping creation, open market already exists")
	case OutcomeCreated:
		k.logger.InfoContext(ctx, "market created",
			slog.String("feed", k.cfg.FeedLabel),
			slog.String("tx", res.TxHash.Hex()),
			slog.String("market", res.Market.Hex()),
		)
		k.emit(ctx, domain.EventMarketCreated, res)
		k.alert(ctx, domain.EventMarketCreated, "Market created",
			fmt.Sprintf("%s %s market %s\ntx %s", k.cfg.FeedLabel, k.cfg.Duration, res.Market.Hex(), res.TxHash.Hex()))
		if k.cfg.SeedStake != nil && k.cfg.SeedStake.Sign() > 0 && res.Market != (common.Address{}) {
			k.seed(ctx, res.Market)
		}
	case OutcomeFailed:
		attrs := []any{slog.String("kind", string(res.Kind)), slog.String("error", res.Err.Error())}
		if res.TxHash != (common.Hash{}) {
			attrs = append(attrs, slog.String("tx", res.TxHash.Hex()))
		}
		k.logger.ErrorContext(ctx, "market creation failed", attrs...)
		k.emit(ctx, domain.EventKeeperError, map[string]any{
			"task": "create", "kind": res.Kind, "error": res.Err.Error(), "tx": res.TxHash,
		})
		k.alert(ctx, domain.EventKeeperError, "Market creation failed", res.Err.Error())
	}
	return res
}

func (k *Keeper) create(ctx context.Context) CreationResult {
	open, err := k.HasOpenMarket(ctx)
	if err != nil {
		return failed(fmt.Errorf("keeper: check open market: %w", err))
	}
	if open {
		return CreationResult{Outcome: OutcomeSkippedOpen}
	}

	updates, err := k.oracle.UpdateData(ctx, k.cfg.Feed)
	if err != nil {
		return failed(fmt.Errorf("keeper: oracle update: %w", err))
	}

	k.logger.InfoContext(ctx, "creating market",
		slog.String("feed", k.cfg.FeedLabel),
		slog.Duration("duration", k.cfg.Duration),
	)
	rcpt, err := k.writer.CreateMarket(ctx, k.cfg.Feed, k.cfg.Duration, updates, k.cfg.CreationFee)
	if err != nil {
		res := failed(fmt.Errorf("keeper: create market: %w", err))
		if rcpt.TxHash != (common.Hash{}) {
			res.TxHash = rcpt.TxHash
		}
		return res
	}

	res := CreationResult{Outcome: OutcomeCreated, TxHash: rcpt.TxHash}
	if addr, err := k.newestMarket(ctx); err != nil {
		k.logger.WarnContext(ctx, "could not look up created market", slog.String("error", err.Error()))
	} else {
		res.Market = addr
	}
	return res
}

func (k *Keeper) newestMarket(ctx context.Context) (common.Address, error) {
	count, err := k.reader.MarketCount(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if count == 0 {
		return common.Address{}, domain.ErrNotFound
	}
	addrs, err := k.reader.Markets(ctx, count-1, 1)
	if err != nil {
		return common.Address{}, err
	}
	if len(addrs) == 0 {
		return common.Address{}, domain.ErrNotFound
	}
	return addrs[0], nil
}

// seed places the configured opening stake. A failure leaves the market in
// place.
func (k *Keeper) seed(ctx context.Context, market common.Address) {
	rcpt, err := k.writer.PlaceBet(ctx, market, k.cfg.SeedSide, k.cfg.SeedStake)
	if err != nil {
		k.logger.WarnContext(ctx, "seed stake failed",
			slog.String("market", market.Hex()),
			slog.String("kind", string(domain.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return
	}
	k.logger.InfoContext(ctx, "seed stake placed",
		slog.String("market", market.Hex()),
		slog.String("side", k.cfg.SeedSide.String()),
		slog.String("amount_bnb", domain.FormatWei(k.cfg.SeedStake)),
		slog.String("tx", rcpt.TxHash.Hex()),
	)
}

func failed(err error) CreationResult {
	h, _ := domain.TxHashOf(err)
	return CreationResult{Outcome: OutcomeFailed, TxHash: h, Kind: domain.KindOf(err), Err: err}
}

// MarketFailure is one market the resolution tick could not resolve.
type MarketFailure struct {
	Market common.Address   `json:"market"`
	TxHash common.Hash      `json:"tx_hash,omitempty"`
	Kind   domain.ErrorKind `json:"kind"`
	Err    error            `json:"-"`
}

// ResolutionReport summarises one resolution tick.
type ResolutionReport struct {
	Resolved []common.Address `json:"resolved"`
	Skipped  int              `json:"skipped"`
	Failed   []MarketFailure  `json:"failed"`
}

// ResolveOnce scans every market and resolves those that are past expiry and
// have at least one bet. Snapshot reads run concurrently; writes run one at a
// time in registry order. A failing market never aborts the tick.
func (k *Keeper) ResolveOnce(ctx context.Context) ResolutionReport {
	start := k.now()
	defer metrics.ObserveTick("resolve", start)

	var rep ResolutionReport
	count, err := k.reader.MarketCount(ctx)
	if err != nil {
		k.logger.ErrorContext(ctx, "resolution poll failed", slog.String("error", err.Error()))
		return rep
	}
	if count == 0 {
		return rep
	}
	addrs, err := k.reader.Markets(ctx, 0, count)
	if err != nil {
		k.logger.ErrorContext(ctx, "resolution poll failed", slog.String("error", err.Error()))
		return rep
	}

	snaps := make([]domain.Snapshot, len(addrs))
	errs := make([]error, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.ReadConcurrency)
	for i, addr := range addrs {
		g.Go(func() error {
			snaps[i], errs[i] = k.reader.Snapshot(gctx, addr)
			return nil
		})
	}
	_ = g.Wait()

	now := k.now()
	for i, addr := range addrs {
		if ctx.Err() != nil {
			break
		}
		if errs[i] != nil {
			k.recordFailure(ctx, &rep, addr, fmt.Errorf("keeper: read market: %w", errs[i]))
			continue
		}
		info := snaps[i].Info()
		switch {
		case info.State.Terminal(), !info.Expired(now):
			rep.Skipped++
			metrics.KeeperResolutions.WithLabelValues("skipped").Inc()
			continue
		case info.EmptyPools():
			k.logger.InfoContext(ctx, "skipping market with empty pools, will auto-cancel",
				slog.String("market", addr.Hex()))
			rep.Skipped++
			metrics.KeeperResolutions.WithLabelValues("skipped").Inc()
			continue
		}

		if err := k.resolve(ctx, info); err != nil {
			k.recordFailure(ctx, &rep, addr, err)
			continue
		}
		rep.Resolved = append(rep.Resolved, addr)
		metrics.KeeperResolutions.WithLabelValues("resolved").Inc()
	}

	if len(rep.Resolved) > 0 || len(rep.Failed) > 0 {
		k.logger.InfoContext(ctx, "resolution tick complete",
			slog.Int("resolved", len(rep.Resolved)),
			slog.Int("skipped", rep.Skipped),
			slog.Int("failed", len(rep.Failed)),
		)
	}
	return rep
}

func (k *Keeper) resolve(ctx context.Context, info domain.MarketInfo) error {
	k.logger.InfoContext(ctx, "resolving market", slog.String("market", info.Address.Hex()))

	updates, err := k.oracle.UpdateData(ctx, info.PriceFeedID)
	if err != nil {
		return fmt.Errorf("keeper: oracle update: %w", err)
	}
	rcpt, err := k.writer.ResolveMarket(ctx, info.Address, updates, k.cfg.ResolutionFee)
	if err != nil {
		return fmt.Errorf("keeper: resolve market: %w", err)
	}

	k.logger.InfoContext(ctx, "market resolved",
		slog.String("market", info.Address.Hex()),
		slog.String("feed", k.feeds.Label(info.PriceFeedID)),
		slog.String("tx", rcpt.TxHash.Hex()),
	)
	k.emit(ctx, domain.EventMarketResolved, map[string]any{
		"market": info.Address, "feed": k.feeds.Label(info.PriceFeedID), "tx": rcpt.TxHash,
	})
	if k.results != nil {
		n, err := k.results.NotifyResult(ctx, info.Address)
		if err != nil {
			k.logger.WarnContext(ctx, "result notification failed",
				slog.String("market", info.Address.Hex()), slog.String("error", err.Error()))
		} else if n > 0 {
			k.logger.InfoContext(ctx, "notified bettors",
				slog.String("market", info.Address.Hex()), slog.Int("users", n))
		}
	}
	return nil
}

func (k *Keeper) recordFailure(ctx context.Context, rep *ResolutionReport, addr common.Address, err error) {
	h, _ := domain.TxHashOf(err)
	f := MarketFailure{Market: addr, TxHash: h, Kind: domain.KindOf(err), Err: err}
	rep.Failed = append(rep.Failed, f)
	metrics.KeeperResolutions.WithLabelValues("failed").Inc()

	attrs := []any{
		slog.String("market", addr.Hex()),
		slog.String("kind", string(f.Kind)),
		slog.String("error", err.Error()),
	}
	if h != (common.Hash{}) {
		attrs = append(attrs, slog.String("tx", h.Hex()))
	}
	k.logger.ErrorContext(ctx, "error resolving market", attrs...)
	k.emit(ctx, domain.EventKeeperError, map[string]any{
		"task": "resolve", "market": addr, "kind": f.Kind, "error": err.Error(), "tx": h,
	})
}

func (k *Keeper) emit(ctx context.Context, typ string, data any) {
	if k.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.Event{Type: typ, Time: k.now().UTC(), Data: data})
	if err != nil {
		return
	}
	if err := k.bus.Publish(ctx, domain.ChannelKeeper, payload); err != nil {
		k.logger.DebugContext(ctx, "keeper event publish failed", slog.String("error", err.Error()))
	}
}

func (k *Keeper) alert(ctx context.Context, event, title, message string) {
	if k.notify == nil {
		return
	}
	if err := k.notify.Notify(ctx, event, title, message); err != nil {
		k.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
	}
}

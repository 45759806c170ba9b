package keeper_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/strikekeeper/internal/chain/chaintest"
	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/keeper"
)

var btcFeed = common.HexToHash("0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43")

func TestUntilNextBoundary(t *testing.T) {
	d := 5 * time.Minute

	now := time.Date(2024, 5, 1, 12, 3, 40, 0, time.UTC)
	assert.Equal(t, 80*time.Second, keeper.UntilNextBoundary(now, d))

	onBoundary := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	assert.Equal(t, d, keeper.UntilNextBoundary(onBoundary, d))

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 1000; i++ {
		now := base.Add(time.Duration(i) * 7919 * time.Millisecond)
		wait := keeper.UntilNextBoundary(now, d)
		require.Greater(t, wait, time.Duration(0))
		require.LessOrEqual(t, wait, d)
		require.Zero(t, now.Add(wait).UnixNano()%int64(d), "now=%s", now)
	}
}

func TestUntilNextBoundary_BeforeEpoch(t *testing.T) {
	d := 5 * time.Minute

	assert.Equal(t, time.Second, keeper.UntilNextBoundary(time.Unix(-1, 0), d))
	assert.Equal(t, d, keeper.UntilNextBoundary(time.Unix(-300, 0), d))

	for i := 1; i <= 500; i++ {
		now := time.Unix(0, 0).Add(-time.Duration(i) * 7919 * time.Millisecond)
		wait := keeper.UntilNextBoundary(now, d)
		require.Greater(t, wait, time.Duration(0), "now=%s", now)
		require.LessOrEqual(t, wait, d, "now=%s", now)
		require.Zero(t, now.Add(wait).UnixNano()%int64(d), "now=%s", now)
	}
}

type fixture struct {
	chain  *chaintest.Chain
	oracle *chaintest.Oracle
	now    time.Time
	k      *keeper.Keeper
}

func newFixture(t *testing.T, cfg keeper.Config) *fixture {
	t.Helper()
	f := &fixture{
		chain:  chaintest.New(),
		oracle: &chaintest.Oracle{},
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.chain.Now = func() time.Time { return f.now }
	feeds, err := domain.NewFeeds(map[string]string{"BTC/USD": btcFeed.Hex()})
	require.NoError(t, err)
	if cfg.Feed == (common.Hash{}) {
		cfg.Feed = btcFeed
		cfg.FeedLabel = "BTC/USD"
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.k = keeper.New(cfg, f.chain, f.chain, f.oracle, feeds, logger,
		keeper.WithClock(func() time.Time { return f.now }))
	return f
}

func TestHasOpenMarket_TradingEndCutoff(t *testing.T) {
	f := newFixture(t, keeper.Config{})
	expiry := f.now.Add(2 * time.Minute)
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(1), domain.MarketOpen, btcFeed, expiry, 0, 0))

	open, err := f.k.HasOpenMarket(context.Background())
	require.NoError(t, err)
	assert.True(t, open)

	// Past tradingEnd the stored state is still Open, but betting has closed.
	f.now = expiry.Add(-30 * time.Second)
	open, err = f.k.HasOpenMarket(context.Background())
	require.NoError(t, err)
	assert.False(t, open)
}

func TestHasOpenMarket_OnlyScansRecent(t *testing.T) {
	f := newFixture(t, keeper.Config{RecentScan: 2})
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(1), domain.MarketOpen, btcFeed, f.now.Add(time.Hour), 0, 0))
	for i := 2; i <= 4; i++ {
		f.chain.AddMarket(chaintest.Market(chaintest.Addr(i), domain.MarketCancelled, btcFeed, f.now.Add(-time.Hour), 0, 0))
	}

	open, err := f.k.HasOpenMarket(context.Background())
	require.NoError(t, err)
	assert.False(t, open)
}

func TestCreateOnce(t *testing.T) {
	f := newFixture(t, keeper.Config{CreationFee: big.NewInt(1)})
	ctx := context.Background()

	res := f.k.CreateOnce(ctx)
	require.Equal(t, keeper.OutcomeCreated, res.Outcome, "err: %v", res.Err)
	require.Len(t, f.chain.Created, 1)
	assert.Equal(t, btcFeed, f.chain.Created[0].Feed)
	assert.Equal(t, 5*time.Minute, f.chain.Created[0].Duration)
	assert.Equal(t, int64(1), f.chain.Created[0].Fee.Int64())
	assert.Equal(t, f.chain.Created[0].Market, res.Market)
	assert.NotEqual(t, common.Hash{}, res.TxHash)

	// The market just created is still accepting bets.
	f.now = f.now.Add(time.Minute)
	res = f.k.CreateOnce(ctx)
	assert.Equal(t, keeper.OutcomeSkippedOpen, res.Outcome)
	assert.Len(t, f.chain.Created, 1)
}

func TestCreateOnce_OracleFailure(t *testing.T) {
	f := newFixture(t, keeper.Config{})
	f.oracle.Err = errors.New("hermes down")

	res := f.k.CreateOnce(context.Background())
	assert.Equal(t, keeper.OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.KindTransient, res.Kind)
	assert.ErrorContains(t, res.Err, "hermes down")
	assert.Zero(t, f.chain.Writes())
}

func TestCreateOnce_RevertCarriesHash(t *testing.T) {
	f := newFixture(t, keeper.Config{})
	hash := common.HexToHash("0xabc")
	f.chain.FailWrite("create", &domain.TxError{Hash: hash, Err: domain.ErrReverted})

	res := f.k.CreateOnce(context.Background())
	assert.Equal(t, keeper.OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.KindRevert, res.Kind)
	assert.Equal(t, hash, res.TxHash)
}

func TestCreateOnce_SeedFailureKeepsMarket(t *testing.T) {
	f := newFixture(t, keeper.Config{SeedStake: big.NewInt(1000), SeedSide: domain.SideDown})
	f.chain.FailWrite("bet", errors.New("insufficient funds"))

	res := f.k.CreateOnce(context.Background())
	assert.Equal(t, keeper.OutcomeCreated, res.Outcome)
	assert.Len(t, f.chain.Created, 1)
	assert.Empty(t, f.chain.Bets)
}

func TestCreateOnce_SeedStake(t *testing.T) {
	f := newFixture(t, keeper.Config{SeedStake: big.NewInt(1000), SeedSide: domain.SideDown})

	res := f.k.CreateOnce(context.Background())
	require.Equal(t, keeper.OutcomeCreated, res.Outcome)
	require.Len(t, f.chain.Bets, 1)
	assert.Equal(t, res.Market, f.chain.Bets[0].Market)
	assert.Equal(t, domain.SideDown, f.chain.Bets[0].Side)
	assert.Equal(t, int64(1000), f.chain.Bets[0].Stake.Int64())
}

func TestResolveOnce(t *testing.T) {
	f := newFixture(t, keeper.Config{})
	past := f.now.Add(-time.Minute)
	future := f.now.Add(time.Minute)

	resolved := chaintest.Resolved(chaintest.Market(chaintest.Addr(1), domain.MarketOpen, btcFeed, past, 5, 5), domain.SideUp)
	f.chain.AddMarket(resolved)
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(2), domain.MarketCancelled, btcFeed, past, 0, 0))
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(3), domain.MarketOpen, btcFeed, future, 5, 0))
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(4), domain.MarketClosed, btcFeed, past, 0, 0))
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(5), domain.MarketClosed, btcFeed, past, 3, 0))
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(6), domain.MarketClosed, btcFeed, past, 0, 2))
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(7), domain.MarketClosed, btcFeed, past, 1, 1))
	f.chain.FailWrite("resolve:"+chaintest.Addr(6).Hex(), &domain.TxError{Hash: common.HexToHash("0x66"), Err: domain.ErrReverted})

	rep := f.k.ResolveOnce(context.Background())

	assert.Equal(t, []common.Address{chaintest.Addr(5), chaintest.Addr(7)}, rep.Resolved)
	assert.Equal(t, 4, rep.Skipped)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, chaintest.Addr(6), rep.Failed[0].Market)
	assert.Equal(t, domain.KindRevert, rep.Failed[0].Kind)
	assert.Equal(t, common.HexToHash("0x66"), rep.Failed[0].TxHash)
	assert.Equal(t, []common.Address{chaintest.Addr(5), chaintest.Addr(7)}, f.chain.Resolve)
}

func TestResolveOnce_Idempotent(t *testing.T) {
	f := newFixture(t, keeper.Config{})
	past := f.now.Add(-time.Minute)
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(1), domain.MarketClosed, btcFeed, past, 3, 4))

	first := f.k.ResolveOnce(context.Background())
	require.Len(t, first.Resolved, 1)
	writes := f.chain.Writes()

	second := f.k.ResolveOnce(context.Background())
	assert.Empty(t, second.Resolved)
	assert.Empty(t, second.Failed)
	assert.Equal(t, writes, f.chain.Writes())
}

func TestResolveOnce_ReadFailureIsolated(t *testing.T) {
	f := newFixture(t, keeper.Config{})
	past := f.now.Add(-time.Minute)
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(1), domain.MarketClosed, btcFeed, past, 3, 4))
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(2), domain.MarketClosed, btcFeed, past, 3, 4))
	f.chain.FailSnapshot(chaintest.Addr(1), errors.New("rpc timeout"))

	rep := f.k.ResolveOnce(context.Background())
	assert.Equal(t, []common.Address{chaintest.Addr(2)}, rep.Resolved)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, domain.KindTransient, rep.Failed[0].Kind)
}

func TestResolveOnce_OracleFailure(t *testing.T) {
	f := newFixture(t, keeper.Config{})
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(1), domain.MarketClosed, btcFeed, f.now.Add(-time.Minute), 3, 4))
	f.oracle.Err = errors.New("hermes 503")

	rep := f.k.ResolveOnce(context.Background())
	assert.Empty(t, rep.Resolved)
	require.Len(t, rep.Failed, 1)
	assert.Zero(t, f.chain.Writes())
}

type countingResults struct{ markets []common.Address }

func (c *countingResults) NotifyResult(_ context.Context, m common.Address) (int, error) {
	c.markets = append(c.markets, m)
	return 1, nil
}

func TestResolveOnce_NotifiesBettors(t *testing.T) {
	f := newFixture(t, keeper.Config{})
	results := &countingResults{}
	feeds, _ := domain.NewFeeds(map[string]string{"BTC/USD": btcFeed.Hex()})
	k := keeper.New(keeper.Config{Feed: btcFeed}, f.chain, f.chain, f.oracle, feeds,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		keeper.WithClock(func() time.Time { return f.now }),
		keeper.WithResultNotifier(results))
	f.chain.AddMarket(chaintest.Market(chaintest.Addr(1), domain.MarketClosed, btcFeed, f.now.Add(-time.Minute), 3, 4))

	k.ResolveOnce(context.Background())
	assert.Equal(t, []common.Address{chaintest.Addr(1)}, results.markets)
}

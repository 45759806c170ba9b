package settlement_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/strikekeeper/internal/chain/chaintest"
	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/reconcile"
	"github.com/alanyoungcy/strikekeeper/internal/settlement"
)

var (
	btcFeed = common.HexToHash("0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43")
	wallet  = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	user    = domain.User{ID: 7, Wallet: wallet, WalletID: "w-7"}
	t0      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingBus struct {
	mu      sync.Mutex
	events  []domain.Event
	streams map[string]int
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams == nil {
		b.streams = map[string]int{}
	}
	b.streams[stream]++
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type recordingAudit struct {
	events []string
	detail []map[string]any
}

func (a *recordingAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	a.detail = append(a.detail, detail)
	return nil
}

func (a *recordingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fixture struct {
	chain  *chaintest.Chain
	ledger *chaintest.Ledger
	bus    *recordingBus
	audit  *recordingAudit
	exec   *settlement.Executor
	svc    *settlement.Service
}

type settlers struct {
	chain *chaintest.Chain
	wrap  func(domain.Settler) domain.Settler
}

func (s settlers) SettlerFor(_ context.Context, u domain.User) (domain.Settler, error) {
	if u.WalletID == "" {
		return nil, domain.ErrNoSigner
	}
	st := s.chain.SettlerFor(u.Wallet)
	if s.wrap != nil {
		st = s.wrap(st)
	}
	return st, nil
}

type keeperSettler struct {
	domain.Settler
	addr common.Address
}

func (k keeperSettler) KeeperAddress() common.Address { return k.addr }

func newFixture(t *testing.T, wrap func(domain.Settler) domain.Settler) *fixture {
	t.Helper()
	f := &fixture{
		chain:  chaintest.New(),
		ledger: chaintest.NewLedger(),
		bus:    &recordingBus{},
		audit:  &recordingAudit{},
	}
	require.NoError(t, f.ledger.CreateUser(context.Background(), user))
	feeds, err := domain.NewFeeds(map[string]string{"BTC/USD": btcFeed.Hex()})
	require.NoError(t, err)
	engine := reconcile.NewEngine(f.ledger, f.chain, feeds, reconcile.Config{}, discard())
	f.exec = settlement.NewExecutor(discard(),
		settlement.WithBus(f.bus),
		settlement.WithAudit(f.audit),
		settlement.WithClock(func() time.Time { return t0 }),
	)
	keeperAddr := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	f.svc = settlement.NewService(f.ledger, engine, f.exec, settlement.NewGuard(nil, 0),
		settlers{chain: f.chain, wrap: wrap},
		keeperSettler{Settler: f.chain.SettlerFor(keeperAddr), addr: keeperAddr},
		discard())
	return f
}

// addWinning registers a resolved market n where the user holds winning up
// shares, and records the bet in the ledger.
func (f *fixture) addWinning(n int) common.Address {
	m := chaintest.Market(chaintest.Addr(n), domain.MarketClosed, btcFeed, t0.Add(time.Duration(n)*time.Minute), 10, 10)
	f.chain.AddMarket(chaintest.Resolved(m, domain.SideUp))
	f.chain.SetPosition(m.Address, wallet, domain.Position{
		UpBet: big.NewInt(10), DownBet: new(big.Int), UpShares: big.NewInt(int64(n) * 1e15), DownShares: new(big.Int),
	})
	f.ledger.Bet(user.ID, m.Address, domain.SideUp, "0.01", t0.Add(time.Duration(n)*time.Minute))
	return m.Address
}

func TestExecute_PartialFailureIsolation(t *testing.T) {
	f := newFixture(t, nil)
	items := []domain.PlanItem{
		{Market: chaintest.Addr(1), FeedLabel: "BTC/USD", Action: domain.ActionClaim, Amount: big.NewInt(1)},
		{Market: chaintest.Addr(2), FeedLabel: "BTC/USD", Action: domain.ActionClaim, Amount: big.NewInt(2)},
		{Market: chaintest.Addr(3), FeedLabel: "BTC/USD", Action: domain.ActionRefund, Amount: big.NewInt(3)},
	}
	f.chain.FailWrite("claim:"+chaintest.Addr(2).Hex(), domain.ErrReverted)

	var seen []domain.Progress
	rep := f.exec.Execute(context.Background(), "run-1", user, f.chain.SettlerFor(wallet), items,
		func(p domain.Progress) { seen = append(seen, p) })

	assert.Equal(t, 3, rep.Attempted)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Results, 3)
	assert.True(t, rep.Results[0].Success)
	assert.False(t, rep.Results[1].Success)
	assert.Equal(t, domain.KindRevert, rep.Results[1].Kind)
	assert.NotEqual(t, common.Hash{}, rep.Results[1].TxHash)
	assert.True(t, rep.Results[2].Success)

	require.Len(t, seen, 3)
	for i, p := range seen {
		assert.Equal(t, i+1, p.Index)
		assert.Equal(t, 3, p.Total)
	}
	assert.Equal(t, items[1].Label(), seen[1].Label)

	assert.Len(t, f.chain.Claims, 1)
	assert.Len(t, f.chain.Refunds, 1)

	assert.Equal(t, []string{"settlement_completed"}, f.audit.events)
	assert.Equal(t, 1, f.bus.streams[domain.StreamSettlements])
	require.Len(t, f.bus.events, 4)
	assert.Equal(t, domain.EventSettlementCompleted, f.bus.events[3].Type)

	lines := rep.Lines()
	assert.Equal(t, "Settled 2 of 3 (1 failed)", lines[0])
}

func TestExecute_EmptyPlan(t *testing.T) {
	f := newFixture(t, nil)
	rep := f.exec.Execute(context.Background(), "run-0", user, f.chain.SettlerFor(wallet), nil, nil)
	assert.Zero(t, rep.Attempted)
	assert.Equal(t, []string{"Nothing to claim or refund."}, rep.Lines())
	assert.Zero(t, f.bus.streams[domain.StreamSettlements])
}

func TestSettle_RerunRetriesOnlyFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.addWinning(1)
	second := f.addWinning(2)
	f.addWinning(3)
	f.chain.FailWrite("claim:"+second.Hex(), errors.New("rpc: connection reset"))
	ctx := context.Background()

	rep, err := f.svc.Settle(ctx, user.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Attempted)
	assert.Equal(t, 1, rep.Failed)

	f.chain.FailWrite("claim:"+second.Hex(), nil)
	rep, err = f.svc.Settle(ctx, user.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Attempted)
	assert.Equal(t, second, rep.Results[0].Item.Market)
	assert.True(t, rep.Results[0].Success)

	rep, err = f.svc.Settle(ctx, user.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Attempted)
	assert.Len(t, f.chain.Claims, 3)
}

type blockingSettler struct {
	domain.Settler
	started chan struct{}
	release chan struct{}
}

func (b blockingSettler) Claim(ctx context.Context, m common.Address) (domain.Receipt, error) {
	close(b.started)
	<-b.release
	return b.Settler.Claim(ctx, m)
}

func TestSettle_SingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(s domain.Settler) domain.Settler {
		return blockingSettler{Settler: s, started: started, release: release}
	})
	f.addWinning(1)
	ctx := context.Background()

	done := make(chan domain.Report)
	go func() {
		rep, err := f.svc.Settle(ctx, user.ID, nil)
		assert.NoError(t, err)
		done <- rep
	}()
	<-started

	_, err := f.svc.Settle(ctx, user.ID, nil)
	assert.ErrorIs(t, err, domain.ErrSettlementInProgress)

	close(release)
	rep := <-done
	assert.Equal(t, 1, rep.Succeeded)
	assert.Len(t, f.chain.Claims, 1)
}

func TestSettle_SetupErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Settle(ctx, 999, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.ledger.CreateUser(ctx, domain.User{ID: 8, Wallet: wallet}))
	_, err = f.svc.Settle(ctx, 8, nil)
	assert.ErrorIs(t, err, domain.ErrNoSigner)
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))
}

// heldOnce reports the lock as held by another replica on the first call only.
type heldOnce struct{ calls int }

func (h *heldOnce) Acquire(context.Context, string, time.Duration) (func(), error) {
	h.calls++
	if h.calls == 1 {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	g := settlement.NewGuard(nil, time.Minute)

	release, err := g.Acquire(ctx, settlement.UserKey(1))
	require.NoError(t, err)
	_, err = g.Acquire(ctx, settlement.UserKey(1))
	assert.ErrorIs(t, err, domain.ErrSettlementInProgress)

	other, err := g.Acquire(ctx, settlement.UserKey(2))
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := g.Acquire(ctx, settlement.UserKey(1))
	require.NoError(t, err)
	again()

	remote := settlement.NewGuard(&heldOnce{}, time.Minute)
	_, err = remote.Acquire(ctx, settlement.UserKey(1))
	assert.ErrorIs(t, err, domain.ErrSettlementInProgress)
	// The local slot is returned when the remote lock is refused.
	release, err = remote.Acquire(ctx, settlement.UserKey(1))
	require.NoError(t, err)
	release()
}

func TestSweep(t *testing.T) {
	f := newFixture(t, nil)
	keeperAddr := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	for i := 1; i <= 3; i++ {
		m := chaintest.Market(chaintest.Addr(i), domain.MarketCancelled, btcFeed, t0, 0, 0)
		f.chain.AddMarket(m)
	}
	f.chain.SetPosition(chaintest.Addr(2), keeperAddr, domain.Position{
		UpBet: big.NewInt(2e15), DownBet: new(big.Int), UpShares: big.NewInt(2e15), DownShares: new(big.Int),
	})

	res, err := f.svc.Sweep(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 1, res.Report.Succeeded)
	assert.Equal(t, keeperAddr, res.Report.Wallet)
	assert.Equal(t, "0.0020", domain.FormatWei(res.Recovered()))
	assert.Equal(t, []string{domain.AuditSweepCompleted}, f.audit.events)

	var buf bytes.Buffer
	require.NoError(t, res.WriteTable(&buf))
	assert.Contains(t, buf.String(), "refund")
	assert.Contains(t, buf.String(), "Scanned 3 markets: 0 active, 0 resolved, 3 cancelled")
	assert.Contains(t, buf.String(), "Recovered 0.0020 BNB")
}

// Package chaintest provides an in-memory market registry for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// Chain is an in-memory factory with its markets. It implements
// domain.MarketReader, domain.MarketWriter and, through SettlerFor,
// domain.Settler. Claims and refunds zero the caller's shares the way the
// contracts do, so a second plan over the same state comes back empty.
type Chain struct {
	mu sync.Mutex

	order     []common.Address
	markets   map[common.Address]domain.Snapshot
	positions map[common.Address]map[common.Address]domain.Position
	foreign   map[common.Address]domain.Snapshot

	snapshotErr map[common.Address]error
	writeErr    map[string]error
	// Now stamps markets created through CreateMarket.
	Now func() time.Time

	nonce   uint64
	Created []CreateCall
	Resolve []common.Address
	Bets    []BetCall
	Claims  []SettleCall
	Refunds []SettleCall
}

// CreateCall records one CreateMarket invocation.
type CreateCall struct {
	Feed     common.Hash
	Duration time.Duration
	Fee      *big.Int
	Market   common.Address
}

// BetCall records one PlaceBet invocation.
type BetCall struct {
	Market common.Address
	Side   domain.Side
	Stake  *big.Int
}

// SettleCall records one claim or refund.
type SettleCall struct {
	Market common.Address
	Wallet common.Address
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{
		markets:     make(map[common.Address]domain.Snapshot),
		positions:   make(map[common.Address]map[common.Address]domain.Position),
		foreign:     make(map[common.Address]domain.Snapshot),
		snapshotErr: make(map[common.Address]error),
		writeErr:    make(map[string]error),
		Now:         time.Now,
	}
}

// Addr derives a deterministic address from n.
func Addr(n int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + n)))
}

// AddMarket registers snap as a factory market.
func (c *Chain) AddMarket(snap domain.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := snap.Info().Address
	if _, ok := c.markets[addr]; !ok {
		c.order = append(c.order, addr)
	}
	c.markets[addr] = snap
}

// AddForeign registers a contract that answers market reads but was not
// created by the factory.
func (c *Chain) AddForeign(snap domain.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.foreign[snap.Info().Address] = snap
}

// SetPosition stores wallet's position in market.
func (c *Chain) SetPosition(market, wallet common.Address, p domain.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.positions[market]
	if !ok {
		m = make(map[common.Address]domain.Position)
		c.positions[market] = m
	}
	m[wallet] = p
}

// FailSnapshot makes Snapshot on market return err. A nil err clears it.
func (c *Chain) FailSnapshot(market common.Address, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.snapshotErr, market)
		return
	}
	c.snapshotErr[market] = err
}

// FailWrite makes the named write ("create", "resolve", "bet", "claim",
// "refund") fail with err. For claim, refund and resolve the key may be
// suffixed with ":"+market hex to target one market.
func (c *Chain) FailWrite(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.writeErr, key)
		return
	}
	c.writeErr[key] = err
}

// Writes counts every submitted write.
func (c *Chain) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Created) + len(c.Resolve) + len(c.Bets) + len(c.Claims) + len(c.Refunds)
}

// MarketCount implements domain.MarketReader.
func (c *Chain) MarketCount(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.order)), nil
}

// Markets implements domain.MarketReader.
func (c *Chain) Markets(_ context.Context, offset, limit uint64) ([]common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := uint64(len(c.order))
	if offset >= n {
		return nil, nil
	}
	end := min(offset+limit, n)
	return append([]common.Address(nil), c.order[offset:end]...), nil
}

// IsMarket implements domain.MarketReader.
func (c *Chain) IsMarket(_ context.Context, addr common.Address) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.markets[addr]
	return ok, nil
}

// Snapshot implements domain.MarketReader.
func (c *Chain) Snapshot(_ context.Context, market common.Address) (domain.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.snapshotErr[market]; err != nil {
		return nil, err
	}
	if s, ok := c.markets[market]; ok {
		return s, nil
	}
	if s, ok := c.foreign[market]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("chaintest: no contract at %s", market.Hex())
}

// Position implements domain.MarketReader.
func (c *Chain) Position(_ context.Context, market, user common.Address) (domain.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[market][user], nil
}

// CreateMarket implements domain.MarketWriter. The new market opens at Now
// and trades until one minute before expiry.
func (c *Chain) CreateMarket(_ context.Context, feed common.Hash, duration time.Duration, _ [][]byte, fee *big.Int) (domain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeErr["create"]; err != nil {
		return domain.Receipt{}, err
	}
	now := c.Now().UTC()
	addr := Addr(len(c.order) + 1)
	c.order = append(c.order, addr)
	c.markets[addr] = domain.UnresolvedSnapshot{MarketInfo: domain.MarketInfo{
		Address:     addr,
		State:       domain.MarketOpen,
		PriceFeedID: feed,
		StartTime:   now,
		TradingEnd:  now.Add(duration - time.Minute),
		ExpiryTime:  now.Add(duration),
		UpPool:      new(big.Int),
		DownPool:    new(big.Int),
		TotalPool:   new(big.Int),
	}}
	c.Created = append(c.Created, CreateCall{Feed: feed, Duration: duration, Fee: fee, Market: addr})
	return c.receipt(), nil
}

// ResolveMarket implements domain.MarketWriter. It moves the market to
// Resolved with Up winning.
func (c *Chain) ResolveMarket(_ context.Context, market common.Address, _ [][]byte, _ *big.Int) (domain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failFor("resolve", market); err != nil {
		return domain.Receipt{}, err
	}
	c.Resolve = append(c.Resolve, market)
	if s, ok := c.markets[market]; ok {
		info := s.Info()
		info.State = domain.MarketResolved
		c.markets[market] = domain.ResolvedSnapshot{MarketInfo: info, WinningSide: domain.SideUp, ResolutionPrice: info.StrikePrice + 1}
	}
	return c.receipt(), nil
}

// PlaceBet implements domain.MarketWriter.
func (c *Chain) PlaceBet(_ context.Context, market common.Address, side domain.Side, stake *big.Int) (domain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeErr["bet"]; err != nil {
		return domain.Receipt{}, err
	}
	c.Bets = append(c.Bets, BetCall{Market: market, Side: side, Stake: stake})
	return c.receipt(), nil
}

// SettlerFor returns a domain.Settler acting as wallet.
func (c *Chain) SettlerFor(wallet common.Address) domain.Settler {
	return &settler{c: c, wallet: wallet}
}

type settler struct {
	c      *Chain
	wallet common.Address
}

func (s *settler) Claim(_ context.Context, market common.Address) (domain.Receipt, error) {
	return s.c.settle("claim", market, s.wallet, func(p *domain.Position, side domain.Side) {
		if side == domain.SideUp {
			p.UpShares = new(big.Int)
		} else {
			p.DownShares = new(big.Int)
		}
	})
}

func (s *settler) Refund(_ context.Context, market common.Address) (domain.Receipt, error) {
	return s.c.settle("refund", market, s.wallet, func(p *domain.Position, _ domain.Side) {
		p.UpShares = new(big.Int)
		p.DownShares = new(big.Int)
	})
}

func (c *Chain) settle(action string, market, wallet common.Address, apply func(*domain.Position, domain.Side)) (domain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failFor(action, market); err != nil {
		rcpt := c.receipt()
		return rcpt, &domain.TxError{Hash: rcpt.TxHash, Err: err}
	}
	call := SettleCall{Market: market, Wallet: wallet}
	if action == "claim" {
		c.Claims = append(c.Claims, call)
	} else {
		c.Refunds = append(c.Refunds, call)
	}
	side := domain.SideUp
	if res, ok := c.markets[market].(domain.ResolvedSnapshot); ok {
		side = res.WinningSide
	}
	if pos, ok := c.positions[market][wallet]; ok {
		apply(&pos, side)
		c.positions[market][wallet] = pos
	}
	return c.receipt(), nil
}

func (c *Chain) failFor(action string, market common.Address) error {
	if err := c.writeErr[action+":"+market.Hex()]; err != nil {
		return err
	}
	return c.writeErr[action]
}

func (c *Chain) receipt() domain.Receipt {
	c.nonce++
	return domain.Receipt{
		TxHash:      common.BigToHash(new(big.Int).SetUint64(c.nonce)),
		BlockNumber: c.nonce,
		Success:     true,
	}
}

// Oracle is a domain.PriceOracle returning a fixed payload per feed.
type Oracle struct {
	mu    sync.Mutex
	Err   error
	Calls int
}

// UpdateData implements domain.PriceOracle.
func (o *Oracle) UpdateData(_ context.Context, feeds ...common.Hash) ([][]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls++
	if o.Err != nil {
		return nil, o.Err
	}
	out := make([][]byte, len(feeds))
	for i, f := range feeds {
		out[i] = append([]byte{0x50, 0x4e, 0x41, 0x55}, f.Bytes()[:4]...)
	}
	return out, nil
}

// Market builds an unresolved snapshot with the given pools in wei.
func Market(addr common.Address, state domain.MarketState, feed common.Hash, expiry time.Time, up, down int64) domain.UnresolvedSnapshot {
	return domain.UnresolvedSnapshot{MarketInfo: domain.MarketInfo{
		Address:     addr,
		State:       state,
		PriceFeedID: feed,
		StrikePrice: 6_500_000_000_000,
		PriceExpo:   -8,
		StartTime:   expiry.Add(-5 * time.Minute),
		TradingEnd:  expiry.Add(-time.Minute),
		ExpiryTime:  expiry,
		UpPool:      big.NewInt(up),
		DownPool:    big.NewInt(down),
		TotalPool:   big.NewInt(up + down),
	}}
}

// Resolved wraps m as resolved with winner.
func Resolved(m domain.UnresolvedSnapshot, winner domain.Side) domain.ResolvedSnapshot {
	m.State = domain.MarketResolved
	return domain.ResolvedSnapshot{MarketInfo: m.MarketInfo, WinningSide: winner, ResolutionPrice: m.StrikePrice + 100}
}

var (
	_ domain.MarketReader = (*Chain)(nil)
	_ domain.MarketWriter = (*Chain)(nil)
	_ domain.PriceOracle  = (*Oracle)(nil)
)

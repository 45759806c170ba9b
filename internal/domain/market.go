package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MarketState mirrors the market contract's uint8 state enum. Transitions are
// monotonic on-chain (Open -> Closed -> Resolved|Cancelled); this process only
// observes them.
type MarketState uint8

const (
	MarketOpen MarketState = iota
	MarketClosed
	MarketResolved
	MarketCancelled
)

var marketStateNames = [...]string{"OPEN", "CLOSED", "RESOLVED", "CANCELLED"}

func (s MarketState) String() string {
	if int(s) < len(marketStateNames) {
		return marketStateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// Terminal reports whether no further on-chain transition is possible.
func (s MarketState) Terminal() bool {
	return s == MarketResolved || s == MarketCancelled
}

// MarshalText renders the state by name in JSON payloads.
func (s MarketState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Side is the direction of a bet relative to the strike price.
type Side uint8

const (
	SideUp Side = iota
	SideDown
)

func (s Side) String() string {
	if s == SideDown {
		return "DOWN"
	}
	return "UP"
}

// MarshalText renders the side by name in JSON payloads.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSide accepts "up" or "down" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "up":
		return SideUp, nil
	case "down":
		return SideDown, nil
	default:
		return 0, fmt.Errorf("domain: unknown side %q", v)
	}
}

// MarketInfo is the point-in-time view returned by a market's getMarketInfo
// call. Pool amounts are in wei.
type MarketInfo struct {
	Address     common.Address `json:"address"`
	State       MarketState    `json:"state"`
	PriceFeedID common.Hash    `json:"price_feed_id"`
	StrikePrice int64          `json:"strike_price"`
	PriceExpo   int32          `json:"price_expo"`
	StartTime   time.Time      `json:"start_time"`
	TradingEnd  time.Time      `json:"trading_end"`
	ExpiryTime  time.Time      `json:"expiry_time"`
	UpPool      *big.Int       `json:"up_pool"`
	DownPool    *big.Int       `json:"down_pool"`
	TotalPool   *big.Int       `json:"total_pool"`
}

// AcceptingBets reports whether the market is Open and still before its
// trading cutoff at now.
func (m MarketInfo) AcceptingBets(now time.Time) bool {
	return m.State == MarketOpen && now.Before(m.TradingEnd)
}

// Expired reports whether now is at or past the expiry time.
func (m MarketInfo) Expired(now time.Time) bool {
	return !now.Before(m.ExpiryTime)
}

// EmptyPools is true when nobody bet on either side. The contract
// auto-cancels such markets on resolution, so the keeper leaves them alone.
func (m MarketInfo) EmptyPools() bool {
	return isZero(m.UpPool) && isZero(m.DownPool)
}

// Strike returns the strike price scaled by the feed exponent.
func (m MarketInfo) Strike() decimal.Decimal {
	return decimal.New(m.StrikePrice, m.PriceExpo)
}

// Snapshot is either an UnresolvedSnapshot or a ResolvedSnapshot. Resolution
// fields only exist on the resolved variant, so callers cannot read a winning
// side from a market that has none.
type Snapshot interface {
	Info() MarketInfo
	snapshot()
}

// UnresolvedSnapshot covers Open, Closed and Cancelled markets.
type UnresolvedSnapshot struct {
	MarketInfo
}

func (s UnresolvedSnapshot) Info() MarketInfo { return s.MarketInfo }
func (UnresolvedSnapshot) snapshot()          {}

// ResolvedSnapshot is produced by the second-stage read performed only when
// the first stage reported MarketResolved.
type ResolvedSnapshot struct {
	MarketInfo
	WinningSide     Side  `json:"winning_side"`
	ResolutionPrice int64 `json:"resolution_price"`
}

func (s ResolvedSnapshot) Info() MarketInfo { return s.MarketInfo }
func (ResolvedSnapshot) snapshot()          {}

// Settlement returns the resolution price scaled by the feed exponent.
func (s ResolvedSnapshot) Settlement() decimal.Decimal {
	return decimal.New(s.ResolutionPrice, s.PriceExpo)
}

func isZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

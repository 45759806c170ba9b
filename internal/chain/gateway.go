package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// Backend is the subset of *ethclient.Client the gateway uses.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// Gateway exposes the factory registry and market contracts. Reads go straight
// to the backend; writes go through the Transactor and therefore require one.
type Gateway struct {
	backend Backend
	factory common.Address
	tx      *Transactor
}

// NewGateway creates a Gateway for the given factory. tx may be nil for a
// read-only gateway.
func NewGateway(backend Backend, factory common.Address, tx *Transactor) *Gateway {
	return &Gateway{backend: backend, factory: factory, tx: tx}
}

// Factory returns the configured factory address.
func (g *Gateway) Factory() common.Address { return g.factory }

// KeeperAddress returns the writer's account, or the zero address when the
// gateway is read-only.
func (g *Gateway) KeeperAddress() common.Address {
	if g.tx == nil {
		return common.Address{}
	}
	return g.tx.From()
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// MarketCount returns the number of markets the factory has created.
func (g *Gateway) MarketCount(ctx context.Context) (uint64, error) {
	out, err := g.call(ctx, g.factory, factoryABI, "getMarketCount")
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("chain: getMarketCount: unexpected type %T", out[0])
	}
	return n.Uint64(), nil
}

// Markets returns up to limit market addresses starting at offset, in
// creation order.
func (g *Gateway) Markets(ctx context.Context, offset, limit uint64) ([]common.Address, error) {
	out, err := g.call(ctx, g.factory, factoryABI, "getMarkets",
		new(big.Int).SetUint64(offset), new(big.Int).SetUint64(limit))
	if err != nil {
		return nil, err
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("chain: getMarkets: unexpected type %T", out[0])
	}
	return addrs, nil
}

// IsMarket reports whether addr was created by the configured factory.
func (g *Gateway) IsMarket(ctx context.Context, addr common.Address) (bool, error) {
	out, err := g.call(ctx, g.factory, factoryABI, "isMarket", addr)
	if err != nil {
		return false, err
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: isMarket: unexpected type %T", out[0])
	}
	return v, nil
}

type marketInfoOut struct {
	State           uint8
	PriceId         [32]byte
	StrikePrice     int64
	StrikePriceExpo int32
	StartTime       *big.Int
	TradingEnd      *big.Int
	ExpiryTime      *big.Int
	UpPool          *big.Int
	DownPool        *big.Int
	TotalPool       *big.Int
}

// Snapshot reads getMarketInfo and, only for resolved markets, the winning
// side and resolution price.
func (g *Gateway) Snapshot(ctx context.Context, market common.Address) (domain.Snapshot, error) {
	var raw marketInfoOut
	if err := g.callInto(ctx, market, marketABI, &raw, "getMarketInfo"); err != nil {
		return nil, err
	}
	info := domain.MarketInfo{
		Address:     market,
		State:       domain.MarketState(raw.State),
		PriceFeedID: common.Hash(raw.PriceId),
		StrikePrice: raw.StrikePrice,
		PriceExpo:   raw.StrikePriceExpo,
		StartTime:   unixTime(raw.StartTime),
		TradingEnd:  unixTime(raw.TradingEnd),
		ExpiryTime:  unixTime(raw.ExpiryTime),
		UpPool:      raw.UpPool,
		DownPool:    raw.DownPool,
		TotalPool:   raw.TotalPool,
	}
	if info.State != domain.MarketResolved {
		return domain.UnresolvedSnapshot{MarketInfo: info}, nil
	}

	out, err := g.call(ctx, market, marketABI, "winningSide")
	if err != nil {
		return nil, err
	}
	side, ok := out[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("chain: winningSide: unexpected type %T", out[0])
	}
	out, err = g.call(ctx, market, marketABI, "resolutionPrice")
	if err != nil {
		return nil, err
	}
	price, ok := out[0].(int64)
	if !ok {
		return nil, fmt.Errorf("chain: resolutionPrice: unexpected type %T", out[0])
	}
	return domain.ResolvedSnapshot{
		MarketInfo:      info,
		WinningSide:     domain.Side(side),
		ResolutionPrice: price,
	}, nil
}

// Position reads user's stake and shares in market.
func (g *Gateway) Position(ctx context.Context, market, user common.Address) (domain.Position, error) {
	var raw struct {
		UpBet      *big.Int
		DownBet    *big.Int
		UpShares   *big.Int
		DownShares *big.Int
	}
	if err := g.callInto(ctx, market, marketABI, &raw, "getUserBets", user); err != nil {
		return domain.Position{}, err
	}
	return domain.Position{
		UpBet:      raw.UpBet,
		DownBet:    raw.DownBet,
		UpShares:   raw.UpShares,
		DownShares: raw.DownShares,
	}, nil
}

func (g *Gateway) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	raw, err := g.rawCall(ctx, to, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: %s on %s returned no data", method, to.Hex())
	}
	return out, nil
}

func (g *Gateway) callInto(ctx context.Context, to common.Address, parsed abi.ABI, v any, method string, args ...any) error {
	raw, err := g.rawCall(ctx, to, parsed, method, args...)
	if err != nil {
		return err
	}
	if err := parsed.UnpackIntoInterface(v, method, raw); err != nil {
		return fmt.Errorf("chain: unpack %s on %s: %w", method, to.Hex(), err)
	}
	return nil
}

func (g *Gateway) rawCall(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...any) ([]byte, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s on %s: %w", method, to.Hex(), err)
	}
	return raw, nil
}

func unixTime(v *big.Int) time.Time {
	if v == nil {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

// ---------------------------------------------------------------------------
// Writes (keeper identity)
// ---------------------------------------------------------------------------

// CreateMarket calls factory.createMarket with fee attached for the oracle.
func (g *Gateway) CreateMarket(ctx context.Context, feed common.Hash, duration time.Duration, updates [][]byte, fee *big.Int) (domain.Receipt, error) {
	data, err := factoryABI.Pack("createMarket", [32]byte(feed), big.NewInt(int64(duration/time.Second)), updates)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("chain: pack createMarket: %w", err)
	}
	return g.transact(ctx, "createMarket", g.factory, fee, data)
}

// ResolveMarket calls factory.resolveMarket for market.
func (g *Gateway) ResolveMarket(ctx context.Context, market common.Address, updates [][]byte, fee *big.Int) (domain.Receipt, error) {
	data, err := factoryABI.Pack("resolveMarket", market, updates)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("chain: pack resolveMarket: %w", err)
	}
	return g.transact(ctx, "resolveMarket", g.factory, fee, data)
}

// PlaceBet stakes value on side from the keeper account.
func (g *Gateway) PlaceBet(ctx context.Context, market common.Address, side domain.Side, stake *big.Int) (domain.Receipt, error) {
	return g.transact(ctx, "bet", market, stake, EncodeBet(uint8(side)))
}

// Claim collects the keeper account's winnings from market.
func (g *Gateway) Claim(ctx context.Context, market common.Address) (domain.Receipt, error) {
	return g.transact(ctx, "claim", market, nil, EncodeClaim())
}

// Refund recovers the keeper account's stake from a cancelled market.
func (g *Gateway) Refund(ctx context.Context, market common.Address) (domain.Receipt, error) {
	return g.transact(ctx, "refund", market, nil, EncodeRefund())
}

func (g *Gateway) transact(ctx context.Context, method string, to common.Address, value *big.Int, data []byte) (domain.Receipt, error) {
	if g.tx == nil {
		return domain.Receipt{}, fmt.Errorf("chain: %s: %w", method, domain.ErrNoSigner)
	}
	rcpt, err := g.tx.Transact(ctx, to, value, data)
	if err != nil {
		return rcpt, fmt.Errorf("chain: %s: %w", method, err)
	}
	return rcpt, nil
}

// Compile-time interface checks.
var (
	_ domain.MarketReader = (*Gateway)(nil)
	_ domain.MarketWriter = (*Gateway)(nil)
	_ domain.Settler      = (*Gateway)(nil)
)

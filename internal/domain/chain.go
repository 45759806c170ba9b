package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarketReader reads the factory registry and individual markets. Reads are
// safe to issue concurrently.
type MarketReader interface {
	MarketCount(ctx context.Context) (uint64, error)
	Markets(ctx context.Context, offset, limit uint64) ([]common.Address, error)
	IsMarket(ctx context.Context, addr common.Address) (bool, error)
	Snapshot(ctx context.Context, market common.Address) (Snapshot, error)
	Position(ctx context.Context, market, user common.Address) (Position, error)
}

// MarketWriter submits keeper-identity writes. Implementations serialize all
// writes through one nonce sequence and return once the receipt is known.
type MarketWriter interface {
	CreateMarket(ctx context.Context, feed common.Hash, duration time.Duration, updates [][]byte, fee *big.Int) (Receipt, error)
	ResolveMarket(ctx context.Context, market common.Address, updates [][]byte, fee *big.Int) (Receipt, error)
	PlaceBet(ctx context.Context, market common.Address, side Side, stake *big.Int) (Receipt, error)
}

// Settler claims or refunds on behalf of one wallet and waits for the receipt.
type Settler interface {
	Claim(ctx context.Context, market common.Address) (Receipt, error)
	Refund(ctx context.Context, market common.Address) (Receipt, error)
}

// PriceOracle returns signed price-update payloads suitable for submission
// alongside a contract call.
type PriceOracle interface {
	UpdateData(ctx context.Context, feeds ...common.Hash) ([][]byte, error)
}

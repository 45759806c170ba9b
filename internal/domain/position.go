package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Position is a user's on-chain stake in one market, as returned by
// getUserBets. Amounts are in wei. Shares on the winning side that are still
// non-zero mean the payout has not been claimed yet; on a cancelled market any
// non-zero shares mean the refund is still pending.
type Position struct {
	UpBet      *big.Int `json:"up_bet"`
	DownBet    *big.Int `json:"down_bet"`
	UpShares   *big.Int `json:"up_shares"`
	DownShares *big.Int `json:"down_shares"`
}

// SharesOn returns the shares held on side, never nil.
func (p Position) SharesOn(side Side) *big.Int {
	v := p.UpShares
	if side == SideDown {
		v = p.DownShares
	}
	if v == nil {
		return new(big.Int)
	}
	return v
}

// HasShares reports whether either side still holds shares.
func (p Position) HasShares() bool {
	return !isZero(p.UpShares) || !isZero(p.DownShares)
}

// TotalStake is the sum of both sides' stakes in wei.
func (p Position) TotalStake() *big.Int {
	sum := new(big.Int)
	if p.UpBet != nil {
		sum.Add(sum, p.UpBet)
	}
	if p.DownBet != nil {
		sum.Add(sum, p.DownBet)
	}
	return sum
}

// weiExponent scales a wei amount to BNB.
const weiExponent = -18

// FormatWei renders a wei amount as BNB with four decimals.
func FormatWei(v *big.Int) string {
	if v == nil {
		return "0.0000"
	}
	return decimal.NewFromBigInt(v, weiExponent).StringFixed(4)
}

// ParseBNB converts a decimal BNB amount such as "0.01" into wei.
func ParseBNB(v string) (*big.Int, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, err
	}
	return d.Shift(-weiExponent).BigInt(), nil
}

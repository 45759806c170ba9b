package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BetStatus tracks a ledger row through submission.
type BetStatus string

const (
	BetPending   BetStatus = "pending"
	BetConfirmed BetStatus = "confirmed"
	BetFailed    BetStatus = "failed"
)

// LedgerEntry is one bet as recorded locally when it was placed. Rows are
// written once; the only permitted update is pending -> confirmed|failed.
// The ledger is a discovery index only and is never trusted for entitlement.
type LedgerEntry struct {
	ID        int64          `json:"id"`
	UserID    int64          `json:"user_id"`
	Market    common.Address `json:"market"`
	Side      Side           `json:"side"`
	Amount    string         `json:"amount"` // decimal BNB
	TxHash    string         `json:"tx_hash,omitempty"`
	Status    BetStatus      `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// User links a ledger user id to the custodial wallet that holds their
// on-chain positions.
type User struct {
	ID        int64          `json:"id"`
	Username  string         `json:"username,omitempty"`
	Wallet    common.Address `json:"wallet"`
	WalletID  string         `json:"wallet_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

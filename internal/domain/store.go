package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts pages and filters list queries. A zero Limit means no limit.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// Event restricts audit listings to one event name. Ledger queries
	// ignore it.
	Event string
}

// LedgerStore is the local bet ledger. Rows are write-once apart from the
// pending to confirmed/failed transition done by MarkEntry. Market listings
// only include confirmed bets, most recent first.
type LedgerStore interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id int64) (User, error)
	InsertEntry(ctx context.Context, e LedgerEntry) (int64, error)
	MarkEntry(ctx context.Context, id int64, status BetStatus, txHash string) error
	ListMarketsForUser(ctx context.Context, userID int64, opts ListOpts) ([]common.Address, error)
	CountMarketsForUser(ctx context.Context, userID int64) (int, error)
	ListEntriesForUser(ctx context.Context, userID int64, opts ListOpts) ([]LedgerEntry, error)
	ListEntriesForMarket(ctx context.Context, market common.Address) ([]LedgerEntry, error)
}

// Audit event names.
const (
	AuditSettlementCompleted = "settlement_completed"
	AuditSweepCompleted      = "sweep_completed"
)

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore is an append-only audit trail, listed newest first.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

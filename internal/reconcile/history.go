package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// BetOutcome is how a single ledger bet ended.
type BetOutcome string

const (
	OutcomeWon      BetOutcome = "won"
	OutcomeLost     BetOutcome = "lost"
	OutcomeRefunded BetOutcome = "refunded"
	OutcomePending  BetOutcome = "pending"
	OutcomeUnknown  BetOutcome = "unknown"
)

// BetView is one ledger row with its outcome.
type BetView struct {
	Side      domain.Side `json:"side"`
	Amount    string      `json:"amount"`
	TxHash    string      `json:"tx_hash,omitempty"`
	TxURL     string      `json:"tx_url,omitempty"`
	Outcome   BetOutcome  `json:"outcome"`
	CreatedAt time.Time   `json:"created_at"`
}

// MarketView is one market in a history page.
type MarketView struct {
	Address     common.Address     `json:"address"`
	Feed        string             `json:"feed"`
	State       domain.MarketState `json:"state"`
	Strike      string             `json:"strike,omitempty"`
	Settlement  string             `json:"settlement,omitempty"`
	WinningSide *domain.Side       `json:"winning_side,omitempty"`
	StartTime   time.Time          `json:"start_time"`
	ExpiryTime  time.Time          `json:"expiry_time"`
	Bets        []BetView          `json:"bets"`
	// Error is set when the market could not be read this pass.
	Error string `json:"error,omitempty"`
}

// HistoryPage is a 1-based page of past markets plus every active market.
type HistoryPage struct {
	Active     []MarketView `json:"active"`
	Past       []MarketView `json:"past"`
	Page       int          `json:"page"`
	TotalPages int          `json:"total_pages"`
	PageSize   int          `json:"page_size"`
	TotalPast  int          `json:"total_past"`
}

// History returns the user's active markets in full and one page of past
// (resolved or cancelled) markets. Active addresses are removed from the
// distinct market list before slicing, so paging is stable across pages.
//
// A market whose snapshot cannot be read this pass is not known to be
// active, so it is paged with the past markets as "market unavailable" and
// counted in TotalPast. A live market with a transient read error therefore
// shows up in history until a later call reads it successfully.
func (e *Engine) History(ctx context.Context, userID int64, page int) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	markets, err := e.ledger.ListMarketsForUser(ctx, userID, domain.ListOpts{})
	if err != nil {
		return HistoryPage{}, fmt.Errorf("reconcile: list markets for user %d: %w", userID, err)
	}
	entries, err := e.ledger.ListEntriesForUser(ctx, userID, domain.ListOpts{})
	if err != nil {
		return HistoryPage{}, fmt.Errorf("reconcile: list entries for user %d: %w", userID, err)
	}
	byMarket := make(map[common.Address][]domain.LedgerEntry)
	for _, en := range entries {
		if en.Status != domain.BetConfirmed {
			continue
		}
		byMarket[en.Market] = append(byMarket[en.Market], en)
	}

	c, err := e.Classify(ctx, markets)
	if err != nil {
		return HistoryPage{}, err
	}
	active := make(map[common.Address]bool, len(c.Active))
	out := HistoryPage{PageSize: e.cfg.PageSize, Page: page}
	for _, s := range c.Active {
		active[s.Address] = true
		out.Active = append(out.Active, e.view(s, byMarket[s.Address]))
	}

	resolved := make(map[common.Address]domain.Snapshot, len(c.Resolved)+len(c.Cancelled))
	for _, s := range c.Resolved {
		resolved[s.Address] = s
	}
	for _, s := range c.Cancelled {
		resolved[s.Address] = s
	}

	past := make([]common.Address, 0, len(markets))
	for _, m := range markets {
		if !active[m] {
			past = append(past, m)
		}
	}
	out.TotalPast = len(past)
	out.TotalPages = (len(past) + e.cfg.PageSize - 1) / e.cfg.PageSize

	start := (page - 1) * e.cfg.PageSize
	if start >= len(past) {
		return out, nil
	}
	end := min(start+e.cfg.PageSize, len(past))
	for _, m := range past[start:end] {
		snap, ok := resolved[m]
		if !ok {
			e.logger.DebugContext(ctx, "history market unavailable", slog.String("market", m.Hex()))
			out.Past = append(out.Past, e.unavailable(m, byMarket[m]))
			continue
		}
		out.Past = append(out.Past, e.view(snap, byMarket[m]))
	}
	return out, nil
}

func (e *Engine) view(snap domain.Snapshot, entries []domain.LedgerEntry) MarketView {
	info := snap.Info()
	v := MarketView{
		Address:    info.Address,
		Feed:       e.feeds.Label(info.PriceFeedID),
		State:      info.State,
		Strike:     info.Strike().String(),
		StartTime:  info.StartTime,
		ExpiryTime: info.ExpiryTime,
	}
	res, isResolved := snap.(domain.ResolvedSnapshot)
	if isResolved {
		side := res.WinningSide
		v.WinningSide = &side
		v.Settlement = res.Settlement().String()
	}
	for _, en := range entries {
		outcome := OutcomePending
		switch {
		case isResolved && en.Side == res.WinningSide:
			outcome = OutcomeWon
		case isResolved:
			outcome = OutcomeLost
		case info.State == domain.MarketCancelled:
			outcome = OutcomeRefunded
		}
		v.Bets = append(v.Bets, e.betView(en, outcome))
	}
	return v
}

func (e *Engine) unavailable(market common.Address, entries []domain.LedgerEntry) MarketView {
	v := MarketView{Address: market, Feed: domain.UnknownFeed, Error: "market unavailable"}
	for _, en := range entries {
		v.Bets = append(v.Bets, e.betView(en, OutcomeUnknown))
	}
	return v
}

func (e *Engine) betView(en domain.LedgerEntry, outcome BetOutcome) BetView {
	b := BetView{
		Side:      en.Side,
		Amount:    en.Amount,
		TxHash:    en.TxHash,
		Outcome:   outcome,
		CreatedAt: en.CreatedAt,
	}
	if en.TxHash != "" && e.cfg.ExplorerURL != "" {
		b.TxURL = strings.TrimRight(e.cfg.ExplorerURL, "/") + "/tx/" + en.TxHash
	}
	return b
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// DirectSender reaches one bettor by chat id.
type DirectSender interface {
	SendTo(ctx context.Context, chatID, text string) error
}

// EntryLister is the slice of the ledger the result notifier needs.
type EntryLister interface {
	ListEntriesForMarket(ctx context.Context, market common.Address) ([]domain.LedgerEntry, error)
}

// ResultNotifier messages every bettor on a resolved market with the outcome
// of their bet. Ledger user ids are Telegram chat ids.
type ResultNotifier struct {
	chain  domain.MarketReader
	ledger EntryLister
	feeds  domain.Feeds
	dm     DirectSender
	logger *slog.Logger
}

// NewResultNotifier creates a ResultNotifier.
func NewResultNotifier(chain domain.MarketReader, ledger EntryLister, feeds domain.Feeds, dm DirectSender, logger *slog.Logger) *ResultNotifier {
	return &ResultNotifier{
		chain:  chain,
		ledger: ledger,
		feeds:  feeds,
		dm:     dm,
		logger: logger.With(slog.String("component", "result_notifier")),
	}
}

// NotifyResult returns how many bettors were told. A market that is not
// resolved notifies nobody. Individual delivery failures are logged and
// skipped.
func (r *ResultNotifier) NotifyResult(ctx context.Context, market common.Address) (int, error) {
	snap, err := r.chain.Snapshot(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("notify: snapshot %s: %w", market.Hex(), err)
	}
	resolved, ok := snap.(domain.ResolvedSnapshot)
	if !ok {
		return 0, nil
	}

	entries, err := r.ledger.ListEntriesForMarket(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("notify: bettors of %s: %w", market.Hex(), err)
	}

	notified := 0
	for _, e := range entries {
		text := ResultMessage(r.feeds.Label(resolved.PriceFeedID), resolved, e)
		if err := r.dm.SendTo(ctx, strconv.FormatInt(e.UserID, 10), text); err != nil {
			r.logger.WarnContext(ctx, "result message failed",
				slog.Int64("user_id", e.UserID),
				slog.String("market", market.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		notified++
	}
	return notified, nil
}

// ResultMessage renders the outcome of one bet.
func ResultMessage(feed string, m domain.ResolvedSnapshot, bet domain.LedgerEntry) string {
	lines := []string{
		"Market Resolved: " + feed,
		"",
		"Strike: $" + m.Strike().StringFixed(2),
		"Settlement: $" + m.Settlement().StringFixed(2),
		"Result: " + m.WinningSide.String() + " wins",
		fmt.Sprintf("Your bet: %s %s BNB", bet.Side, bet.Amount),
	}
	if bet.Side == m.WinningSide {
		lines = append(lines, "You won! Settle from My Bets to claim.")
	} else {
		lines = append(lines, "Better luck next time.")
	}
	return strings.Join(lines, "\n")
}

package chaintest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// Ledger is an in-memory domain.LedgerStore.
type Ledger struct {
	mu      sync.Mutex
	users   map[int64]domain.User
	entries []domain.LedgerEntry
	nextID  int64
	// Err, when set, fails every read.
	Err error
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{users: make(map[int64]domain.User)}
}

// Bet appends a confirmed entry created at ts.
func (l *Ledger) Bet(userID int64, market common.Address, side domain.Side, amount string, ts time.Time) {
	_, _ = l.InsertEntry(context.Background(), domain.LedgerEntry{
		UserID: userID, Market: market, Side: side, Amount: amount,
		Status: domain.BetConfirmed, CreatedAt: ts,
	})
}

func (l *Ledger) CreateUser(_ context.Context, u domain.User) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.users[u.ID]; ok {
		return domain.ErrAlreadyExists
	}
	l.users[u.ID] = u
	return nil
}

func (l *Ledger) GetUser(_ context.Context, id int64) (domain.User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return domain.User{}, l.Err
	}
	u, ok := l.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (l *Ledger) InsertEntry(_ context.Context, e domain.LedgerEntry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	e.ID = l.nextID
	if e.Status == "" {
		e.Status = domain.BetPending
	}
	l.entries = append(l.entries, e)
	return e.ID, nil
}

func (l *Ledger) MarkEntry(_ context.Context, id int64, status domain.BetStatus, txHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id && l.entries[i].Status == domain.BetPending {
			l.entries[i].Status = status
			l.entries[i].TxHash = txHash
			return nil
		}
	}
	return domain.ErrNotFound
}

func (l *Ledger) ListMarketsForUser(_ context.Context, userID int64, opts domain.ListOpts) ([]common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, e := range l.newestFirst(userID) {
		if e.Status != domain.BetConfirmed || seen[e.Market] {
			continue
		}
		seen[e.Market] = true
		out = append(out, e.Market)
	}
	return page(out, opts), nil
}

func (l *Ledger) CountMarketsForUser(ctx context.Context, userID int64) (int, error) {
	all, err := l.ListMarketsForUser(ctx, userID, domain.ListOpts{})
	return len(all), err
}

func (l *Ledger) ListEntriesForUser(_ context.Context, userID int64, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	return page(l.newestFirst(userID), opts), nil
}

func (l *Ledger) ListEntriesForMarket(_ context.Context, market common.Address) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var out []domain.LedgerEntry
	for _, e := range l.entries {
		if e.Market == market && e.Status == domain.BetConfirmed {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *Ledger) newestFirst(userID int64) []domain.LedgerEntry {
	var out []domain.LedgerEntry
	for _, e := range l.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

var _ domain.LedgerStore = (*Ledger)(nil)

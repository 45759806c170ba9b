package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/store/sqlite"
)

var (
	wallet  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	marketA = common.HexToAddress("0x0000000000000000000000000000000000001001")
	marketB = common.HexToAddress("0x0000000000000000000000000000000000001002")
	marketC = common.HexToAddress("0x0000000000000000000000000000000000001003")
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Users(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, domain.User{ID: 42, Username: "alice", Wallet: wallet, WalletID: "w-42"}))
	assert.ErrorIs(t, s.CreateUser(ctx, domain.User{ID: 42, Wallet: wallet}), domain.ErrAlreadyExists)

	u, err := s.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, wallet, u.Wallet)
	assert.Equal(t, "w-42", u.WalletID)
	assert.False(t, u.CreatedAt.IsZero())

	_, err = s.GetUser(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_MarketsAreConfirmedDistinctNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, domain.User{ID: 1, Wallet: wallet}))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bets := []struct {
		market common.Address
		side   domain.Side
		status domain.BetStatus
		at     time.Duration
	}{
		{marketA, domain.SideUp, domain.BetConfirmed, 0},
		{marketB, domain.SideDown, domain.BetConfirmed, 5 * time.Minute},
		{marketA, domain.SideDown, domain.BetConfirmed, 12 * time.Minute},
		{marketC, domain.SideUp, domain.BetFailed, 20 * time.Minute},
	}
	for _, b := range bets {
		_, err := s.InsertEntry(ctx, domain.LedgerEntry{
			UserID: 1, Market: b.market, Side: b.side, Amount: "0.01",
			Status: b.status, CreatedAt: base.Add(b.at),
		})
		require.NoError(t, err)
	}

	markets, err := s.ListMarketsForUser(ctx, 1, domain.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{marketA, marketB}, markets)

	n, err := s.CountMarketsForUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := s.ListMarketsForUser(ctx, 1, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{marketB}, page)

	tail, err := s.ListMarketsForUser(ctx, 1, domain.ListOpts{Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{marketB}, tail)

	entries, err := s.ListEntriesForMarket(ctx, marketA)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.SideUp, entries[0].Side)
	assert.Equal(t, domain.SideDown, entries[1].Side)
	assert.Equal(t, base, entries[0].CreatedAt)

	all, err := s.ListEntriesForUser(ctx, 1, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, marketC, all[0].Market)
	assert.Equal(t, domain.BetFailed, all[0].Status)
}

func TestStore_MarkEntryOnlyFromPending(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, domain.User{ID: 1, Wallet: wallet}))

	id, err := s.InsertEntry(ctx, domain.LedgerEntry{UserID: 1, Market: marketA, Side: domain.SideUp, Amount: "0.5"})
	require.NoError(t, err)

	markets, err := s.ListMarketsForUser(ctx, 1, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, markets, "pending bets are not listed")

	require.NoError(t, s.MarkEntry(ctx, id, domain.BetConfirmed, "0xabc"))
	assert.ErrorIs(t, s.MarkEntry(ctx, id, domain.BetFailed, ""), domain.ErrNotFound)

	entries, err := s.ListEntriesForUser(ctx, 1, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.BetConfirmed, entries[0].Status)
	assert.Equal(t, "0xabc", entries[0].TxHash)
	assert.Equal(t, "0.5", entries[0].Amount)

	markets, err = s.ListMarketsForUser(ctx, 1, domain.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{marketA}, markets)
}

func TestStore_Audit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, "settlement_completed", map[string]any{"user_id": 1, "claimed": 2}))
	require.NoError(t, s.Log(ctx, "market_created", nil))

	entries, err := s.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "market_created", entries[0].Event)
	assert.Equal(t, "settlement_completed", entries[1].Event)
	assert.Equal(t, float64(2), entries[1].Detail["claimed"])

	entries, err = s.List(ctx, domain.ListOpts{Event: "settlement_completed"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "settlement_completed", entries[0].Event)
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// CreateUser inserts u. A duplicate id returns domain.ErrAlreadyExists.
func (s *LedgerStore) CreateUser(ctx context.Context, u domain.User) error {
	const query = `INSERT INTO users (id, username, wallet, wallet_id) VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, query, u.ID, u.Username, u.Wallet.Hex(), u.WalletID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create user %d: %w", u.ID, err)
	}
	return nil
}

// GetUser returns the user or domain.ErrNotFound.
func (s *LedgerStore) GetUser(ctx context.Context, id int64) (domain.User, error) {
	const query = `SELECT id, username, wallet, wallet_id, created_at FROM users WHERE id = $1`
	var (
		u      domain.User
		wallet string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(&u.ID, &u.Username, &wallet, &u.WalletID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("postgres: get user %d: %w", id, err)
	}
	u.Wallet = common.HexToAddress(wallet)
	return u, nil
}

// InsertEntry appends a bet row and returns its id. A zero CreatedAt takes
// the database clock.
func (s *LedgerStore) InsertEntry(ctx context.Context, e domain.LedgerEntry) (int64, error) {
	status := e.Status
	if status == "" {
		status = domain.BetPending
	}
	const query = `
		INSERT INTO bets (user_id, market_address, side, amount, tx_hash, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
		RETURNING id`
	var createdAt any
	if !e.CreatedAt.IsZero() {
		createdAt = e.CreatedAt
	}
	var id int64
	err := s.pool.QueryRow(ctx, query,
		e.UserID, e.Market.Hex(), sideColumn(e.Side), e.Amount, e.TxHash, string(status), createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert bet: %w", err)
	}
	return id, nil
}

// MarkEntry performs the one permitted update: pending to confirmed or
// failed. Any other transition returns domain.ErrNotFound.
func (s *LedgerStore) MarkEntry(ctx context.Context, id int64, status domain.BetStatus, txHash string) error {
	const query = `
		UPDATE bets SET status = $2, tx_hash = CASE WHEN $3 = '' THEN tx_hash ELSE $3 END
		WHERE id = $1 AND status = 'pending'`
	tag, err := s.pool.Exec(ctx, query, id, string(status), txHash)
	if err != nil {
		return fmt.Errorf("postgres: mark bet %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListMarketsForUser returns the distinct markets with confirmed bets, most
// recently bet first.
func (s *LedgerStore) ListMarketsForUser(ctx context.Context, userID int64, opts domain.ListOpts) ([]common.Address, error) {
	query := `
		SELECT market_address FROM bets
		WHERE user_id = $1 AND status = 'confirmed'
		GROUP BY market_address
		ORDER BY MAX(created_at) DESC, MAX(id) DESC`
	query, args := paginate(query, []any{userID}, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, common.HexToAddress(addr))
	}
	return out, rows.Err()
}

// CountMarketsForUser counts distinct markets with confirmed bets.
func (s *LedgerStore) CountMarketsForUser(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT COUNT(DISTINCT market_address) FROM bets WHERE user_id = $1 AND status = 'confirmed'`
	var n int
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets for user %d: %w", userID, err)
	}
	return n, nil
}

const betSelectCols = `id, user_id, market_address, side, amount, tx_hash, status, created_at`

// ListEntriesForUser returns every bet row for the user, newest first.
func (s *LedgerStore) ListEntriesForUser(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + betSelectCols + ` FROM bets WHERE user_id = $1`
	args := []any{userID}
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	query, args = paginate(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for user %d: %w", userID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListEntriesForMarket returns the confirmed bets on market across users,
// oldest first.
func (s *LedgerStore) ListEntriesForMarket(ctx context.Context, market common.Address) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + betSelectCols + ` FROM bets
		WHERE market_address = $1 AND status = 'confirmed'
		ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, market.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for market %s: %w", market.Hex(), err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e            domain.LedgerEntry
			market, side string
			status       string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &market, &side, &e.Amount, &e.TxHash, &status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		parsed, err := domain.ParseSide(side)
		if err != nil {
			return nil, fmt.Errorf("postgres: bet %d: %w", e.ID, err)
		}
		e.Market = common.HexToAddress(market)
		e.Side = parsed
		e.Status = domain.BetStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: bet rows: %w", err)
	}
	return out, nil
}

func sideColumn(s domain.Side) string {
	return strings.ToLower(s.String())
}

func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

var _ domain.LedgerStore = (*LedgerStore)(nil)

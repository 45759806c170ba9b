// Package sqlite implements the bet ledger and audit log on an embedded SQLite
// database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id         INTEGER PRIMARY KEY,
    username   TEXT    NOT NULL DEFAULT '',
    wallet     TEXT    NOT NULL,
    wallet_id  TEXT    NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bets (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id        INTEGER NOT NULL REFERENCES users(id),
    market_address TEXT    NOT NULL,
    side           TEXT    NOT NULL CHECK (side IN ('up', 'down')),
    amount         TEXT    NOT NULL,
    tx_hash        TEXT    NOT NULL DEFAULT '',
    status         TEXT    NOT NULL DEFAULT 'pending',
    created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bets_user   ON bets(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_bets_market ON bets(market_address);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);
`

// Store implements domain.LedgerStore and domain.AuditStore. Timestamps are
// stored as unix nanoseconds.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps :memory: on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, wallet, wallet_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Wallet.Hex(), u.WalletID, created.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: create user %d: %w", u.ID, err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var (
		u       domain.User
		wallet  string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, wallet, wallet_id, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &wallet, &u.WalletID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("sqlite: get user %d: %w", id, err)
	}
	u.Wallet = common.HexToAddress(wallet)
	u.CreatedAt = fromNanos(created)
	return u, nil
}

func (s *Store) InsertEntry(ctx context.Context, e domain.LedgerEntry) (int64, error) {
	status := e.Status
	if status == "" {
		status = domain.BetPending
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bets (user_id, market_address, side, amount, tx_hash, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Market.Hex(), strings.ToLower(e.Side.String()), e.Amount, e.TxHash, string(status), created.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert bet: %w", err)
	}
	return res.LastInsertId()
}

// MarkEntry only moves pending rows; anything else is domain.ErrNotFound.
func (s *Store) MarkEntry(ctx context.Context, id int64, status domain.BetStatus, txHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bets SET status = ?, tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END
		 WHERE id = ? AND status = 'pending'`,
		string(status), txHash, txHash, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark bet %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: mark bet %d: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListMarketsForUser(ctx context.Context, userID int64, opts domain.ListOpts) ([]common.Address, error) {
	query, args := paginate(`
		SELECT market_address FROM bets
		WHERE user_id = ? AND status = 'confirmed'
		GROUP BY market_address
		ORDER BY MAX(created_at) DESC, MAX(id) DESC`, []any{userID}, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		out = append(out, common.HexToAddress(addr))
	}
	return out, rows.Err()
}

func (s *Store) CountMarketsForUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT market_address) FROM bets WHERE user_id = ? AND status = 'confirmed'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count markets for user %d: %w", userID, err)
	}
	return n, nil
}

const betCols = `id, user_id, market_address, side, amount, tx_hash, status, created_at`

func (s *Store) ListEntriesForUser(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + betCols + ` FROM bets WHERE user_id = ?`
	args := []any{userID}
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, opts.Until.UnixNano())
	}
	query, args = paginate(query+" ORDER BY created_at DESC, id DESC", args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bets for user %d: %w", userID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) ListEntriesForMarket(ctx context.Context, market common.Address) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+betCols+` FROM bets WHERE market_address = ? AND status = 'confirmed' ORDER BY created_at, id`,
		market.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bets for market %s: %w", market.Hex(), err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Log appends an audit row with detail encoded as JSON text.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(raw), s.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if opts.Event != "" {
		query += " AND event = ?"
		args = append(args, opts.Event)
	}
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, opts.Until.UnixNano())
	}
	query, args = paginate(query+" ORDER BY created_at DESC, id DESC", args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail %d: %w", e.ID, err)
			}
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e                    domain.LedgerEntry
			market, side, status string
			created              int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &market, &side, &e.Amount, &e.TxHash, &status, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan bet: %w", err)
		}
		parsed, err := domain.ParseSide(side)
		if err != nil {
			return nil, fmt.Errorf("sqlite: bet %d: %w", e.ID, err)
		}
		e.Market = common.HexToAddress(market)
		e.Side = parsed
		e.Status = domain.BetStatus(status)
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	switch {
	case opts.Limit > 0:
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	case opts.Offset > 0:
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}
	return query, args
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

var (
	_ domain.LedgerStore = (*Store)(nil)
	_ domain.AuditStore  = (*Store)(nil)
)

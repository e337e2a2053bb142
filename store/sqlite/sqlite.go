/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.Store and cards.CardStore on SQLite. The same SQL shape
  applies to PostgreSQL with minor dialect differences; see store/postgres
  for that backend.

INTERFACES IMPLEMENTED:
  ledger.AccountStore: Balance rows with versioned conditional updates
  ledger.LedgerStore:  Append-only transfer log
  ledger.Store:        WithTransferTx atomic unit
  cards.CardStore:     Card metadata rows

CONDITIONAL UPDATES:
  Balances change only through a guarded UPDATE:
    UPDATE accounts SET balance = ?, version = version + 1
    WHERE id = ? AND version = ?
  Zero rows affected with an existing account means a concurrent writer got
  there first; the caller sees ledger.ErrStorageConflict.

APPEND-ONLY ENFORCEMENT:
  - Transfers are never deleted
  - The only UPDATE on transfers moves PENDING to a terminal status; the
    WHERE clause refuses to touch terminal rows

MONEY REPRESENTATION:
  Balances and amounts are stored as decimal strings and parsed with
  shopspring/decimal. No floating point anywhere near money.

KEY TABLES:
  accounts:  id, balance, status, version, expiry
  transfers: seq (rowid, the pagination cursor), id, from/to, amount, status
  cards:     masked card metadata keyed by account

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block the
  single writer, and crash recovery is cleaner.

SEE ALSO:
  - ledger/store.go: Interface contracts
  - store/postgres/postgres.go: The PostgreSQL twin
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/card-ledger/cards"
	"github.com/warp/card-ledger/ledger"
)

// Store implements the storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at dbPath. Use ":memory:" for an in-memory
// database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Card accounts (balance rows)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		expiry TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transfers (append-only ledger; seq doubles as the pagination cursor)
	CREATE TABLE IF NOT EXISTS transfers (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		from_account_id TEXT NOT NULL,
		to_account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_from
		ON transfers(from_account_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_transfers_to
		ON transfers(to_account_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_transfers_status
		ON transfers(status, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_transfers_created
		ON transfers(created_at, seq DESC);

	-- Card metadata (masked numbers only; no PANs at rest)
	CREATE TABLE IF NOT EXISTS cards (
		account_id TEXT PRIMARY KEY REFERENCES accounts(id),
		masked_number TEXT NOT NULL,
		holder_name TEXT NOT NULL,
		expiry_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cards_holder
		ON cards(holder_name);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, so every query helper can
// run standalone or inside the atomic unit.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNT STORE (ledger.AccountStore interface)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, q dbtx, id ledger.AccountID) (*ledger.Account, error) {
	var (
		acc                  ledger.Account
		balance              string
		expiry               sql.NullString
		createdAt, updatedAt string
	)

	err := q.QueryRowContext(ctx,
		"SELECT id, balance, status, version, expiry, created_at, updated_at FROM accounts WHERE id = ?",
		id,
	).Scan(&acc.ID, &balance, &acc.Status, &acc.Version, &expiry, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("corrupt balance for account %s: %w", id, err)
	}
	if expiry.Valid {
		t, err := time.Parse(time.RFC3339, expiry.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt expiry for account %s: %w", id, err)
		}
		acc.Expiry = &t
	}
	acc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	acc.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	acc.Version = 1
	acc.CreatedAt = now
	acc.UpdatedAt = now

	var expiry any
	if acc.Expiry != nil {
		expiry = acc.Expiry.UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, status, version, expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acc.ID,
		acc.Balance.StringFixed(ledger.MoneyScale),
		acc.Status,
		acc.Version,
		expiry,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create account %s: %w", acc.ID, err)
	}
	return nil
}

func (s *Store) SetAccountStatus(ctx context.Context, id ledger.AccountID, status ledger.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *Store) CompareAndUpdateBalance(ctx context.Context, id ledger.AccountID, expectedVersion int64, newBalance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return compareAndUpdate(ctx, s.db, id, expectedVersion, newBalance)
}

func compareAndUpdate(ctx context.Context, q dbtx, id ledger.AccountID, expectedVersion int64, newBalance decimal.Decimal) error {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		newBalance.StringFixed(ledger.MoneyScale),
		time.Now().UTC().Format(time.RFC3339),
		id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Zero rows: either the account is gone or the version is stale.
	var found int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts WHERE id = ?", id).Scan(&found); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if found == 0 {
		return ledger.ErrAccountNotFound
	}
	return fmt.Errorf("account %s version moved past %d: %w", id, expectedVersion, ledger.ErrStorageConflict)
}

// =============================================================================
// LEDGER STORE (ledger.LedgerStore interface)
// =============================================================================

func (s *Store) AppendTransfer(ctx context.Context, rec *ledger.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransfer(ctx, s.db, rec)
}

func appendTransfer(ctx context.Context, q dbtx, rec *ledger.TransferRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	// The rowid is the monotonic sequence; the public ID is derived from it
	// once the row exists.
	res, err := q.ExecContext(ctx, `
		INSERT INTO transfers (id, from_account_id, to_account_id, amount, status, description, created_at)
		VALUES ('', ?, ?, ?, ?, ?, ?)`,
		rec.FromAccountID,
		rec.ToAccountID,
		rec.Amount.StringFixed(ledger.MoneyScale),
		rec.Status,
		rec.Description,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append transfer: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to append transfer: %w", err)
	}
	rec.Seq = uint64(seq)
	rec.ID = ledger.TransferID(fmt.Sprintf("tr_%d", seq))

	if _, err := q.ExecContext(ctx, "UPDATE transfers SET id = ? WHERE seq = ?", rec.ID, seq); err != nil {
		return fmt.Errorf("failed to append transfer: %w", err)
	}
	return nil
}

func (s *Store) SetTransferStatus(ctx context.Context, id ledger.TransferID, status ledger.TransferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setTransferStatus(ctx, s.db, id, status)
}

func setTransferStatus(ctx context.Context, q dbtx, id ledger.TransferID, status ledger.TransferStatus) error {
	// Only PENDING rows may move. Terminal statuses are final.
	res, err := q.ExecContext(ctx,
		"UPDATE transfers SET status = ? WHERE id = ? AND status = ?",
		status, id, ledger.TransferPending,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}
	if n == 1 {
		return nil
	}

	var found int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM transfers WHERE id = ?", id).Scan(&found); err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}
	if found == 0 {
		return ledger.ErrTransferNotFound
	}
	return ledger.ErrStatusFinal
}

const transferColumns = "seq, id, from_account_id, to_account_id, amount, status, description, created_at"

func (s *Store) GetTransfer(ctx context.Context, id ledger.TransferID) (*ledger.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransfer(ctx, s.db, id)
}

func getTransfer(ctx context.Context, q dbtx, id ledger.TransferID) (*ledger.TransferRecord, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ledger.ErrTransferNotFound
	}
	rec, err := scanTransfer(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListByAccount(ctx context.Context, id ledger.AccountID, page ledger.Page) ([]ledger.TransferRecord, error) {
	return s.listTransfers(ctx, page,
		"(from_account_id = ? OR to_account_id = ?)", id, id)
}

func (s *Store) ListByStatus(ctx context.Context, status ledger.TransferStatus, page ledger.Page) ([]ledger.TransferRecord, error) {
	return s.listTransfers(ctx, page, "status = ?", status)
}

func (s *Store) ListByDateRange(ctx context.Context, from, to time.Time, page ledger.Page) ([]ledger.TransferRecord, error) {
	return s.listTransfers(ctx, page,
		"created_at >= ? AND created_at <= ?",
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
}

// listTransfers pages newest-first on seq. The cursor excludes everything
// the caller has already seen, so concurrent appends (which only ever get
// higher seqs) cannot shift the page.
func (s *Store) listTransfers(ctx context.Context, page ledger.Page, where string, args ...any) ([]ledger.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("SELECT " + transferColumns + " FROM transfers WHERE " + where)
	if page.Cursor != 0 {
		sb.WriteString(" AND seq < ?")
		args = append(args, page.Cursor)
	}
	sb.WriteString(" ORDER BY seq DESC")
	if page.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, page.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var recs []ledger.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanTransfer(rows *sql.Rows) (ledger.TransferRecord, error) {
	var (
		rec         ledger.TransferRecord
		amount      string
		description sql.NullString
		createdAt   string
	)

	err := rows.Scan(&rec.Seq, &rec.ID, &rec.FromAccountID, &rec.ToAccountID,
		&amount, &rec.Status, &description, &createdAt)
	if err != nil {
		return rec, fmt.Errorf("failed to scan transfer: %w", err)
	}

	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return rec, fmt.Errorf("corrupt amount on transfer %s: %w", rec.ID, err)
	}
	rec.Description = description.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return rec, nil
}

// =============================================================================
// ATOMIC UNIT (ledger.Store interface)
// =============================================================================

// WithTransferTx executes fn within one SQL transaction. The store mutex is
// held for the duration: SQLite allows a single writer, so the unit owns
// the database while it runs.
func (s *Store) WithTransferTx(ctx context.Context, fn func(tx ledger.TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore scopes the storage interfaces to one SQL transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) CreateAccount(context.Context, *ledger.Account) error {
	return fmt.Errorf("create account inside a transfer unit is not supported")
}

func (ts *txStore) SetAccountStatus(context.Context, ledger.AccountID, ledger.AccountStatus) error {
	return fmt.Errorf("set account status inside a transfer unit is not supported")
}

func (ts *txStore) CompareAndUpdateBalance(ctx context.Context, id ledger.AccountID, expectedVersion int64, newBalance decimal.Decimal) error {
	return compareAndUpdate(ctx, ts.tx, id, expectedVersion, newBalance)
}

func (ts *txStore) AppendTransfer(ctx context.Context, rec *ledger.TransferRecord) error {
	return appendTransfer(ctx, ts.tx, rec)
}

func (ts *txStore) SetTransferStatus(ctx context.Context, id ledger.TransferID, status ledger.TransferStatus) error {
	return setTransferStatus(ctx, ts.tx, id, status)
}

func (ts *txStore) GetTransfer(ctx context.Context, id ledger.TransferID) (*ledger.TransferRecord, error) {
	return getTransfer(ctx, ts.tx, id)
}

func (ts *txStore) ListByAccount(context.Context, ledger.AccountID, ledger.Page) ([]ledger.TransferRecord, error) {
	return nil, fmt.Errorf("list inside a transfer unit is not supported")
}

func (ts *txStore) ListByStatus(context.Context, ledger.TransferStatus, ledger.Page) ([]ledger.TransferRecord, error) {
	return nil, fmt.Errorf("list inside a transfer unit is not supported")
}

func (ts *txStore) ListByDateRange(context.Context, time.Time, time.Time, ledger.Page) ([]ledger.TransferRecord, error) {
	return nil, fmt.Errorf("list inside a transfer unit is not supported")
}

// =============================================================================
// CARD STORE (cards.CardStore interface)
// =============================================================================

func (s *Store) SaveCard(ctx context.Context, card cards.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cards (account_id, masked_number, holder_name, expiry_date, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		card.AccountID,
		card.MaskedNumber,
		card.HolderName,
		card.ExpiryDate.UTC().Format(time.RFC3339),
		card.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save card: %w", err)
	}
	return nil
}

func (s *Store) GetCard(ctx context.Context, id ledger.AccountID) (*cards.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		card                  cards.Card
		expiryDate, createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT account_id, masked_number, holder_name, expiry_date, created_at FROM cards WHERE account_id = ?",
		id,
	).Scan(&card.AccountID, &card.MaskedNumber, &card.HolderName, &expiryDate, &createdAt)

	if err == sql.ErrNoRows {
		return nil, cards.ErrCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load card: %w", err)
	}

	card.ExpiryDate, _ = time.Parse(time.RFC3339, expiryDate)
	card.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &card, nil
}

func (s *Store) ListCards(ctx context.Context, holder string) ([]cards.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT account_id, masked_number, holder_name, expiry_date, created_at FROM cards"
	var args []any
	if holder != "" {
		query += " WHERE holder_name = ?"
		args = append(args, holder)
	}
	query += " ORDER BY created_at DESC, account_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var out []cards.Card
	for rows.Next() {
		var (
			card                  cards.Card
			expiryDate, createdAt string
		)
		if err := rows.Scan(&card.AccountID, &card.MaskedNumber, &card.HolderName, &expiryDate, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		card.ExpiryDate, _ = time.Parse(time.RFC3339, expiryDate)
		card.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, card)
	}
	return out, rows.Err()
}

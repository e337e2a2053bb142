/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces using pgx.

PURPOSE:
  The production twin of store/sqlite. Same contracts, Postgres dialect:
  NUMERIC(19,2) money columns with a CHECK (balance >= 0) backstop,
  BIGSERIAL seq as the pagination cursor, and REPEATABLE READ transactions
  for the atomic unit.

CONCURRENCY:
  The conditional balance update (UPDATE ... WHERE id = $1 AND version = $2)
  carries the whole concurrency story; no row locks are taken on read.
  Serialization failures surface as ledger.ErrStorageConflict, which the
  engine treats as retryable.

SEE ALSO:
  - ledger/store.go: Interface contracts
  - store/sqlite/sqlite.go: The SQLite twin
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/card-ledger/cards"
	"github.com/warp/card-ledger/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance NUMERIC(19,2) NOT NULL CHECK (balance >= 0),
	status TEXT NOT NULL,
	version BIGINT NOT NULL,
	expiry TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transfers (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	from_account_id TEXT NOT NULL,
	to_account_id TEXT NOT NULL,
	amount NUMERIC(19,2) NOT NULL CHECK (amount > 0),
	status TEXT NOT NULL,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfers_from ON transfers(from_account_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_transfers_to ON transfers(to_account_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status, seq DESC);
CREATE INDEX IF NOT EXISTS idx_transfers_created ON transfers(created_at, seq DESC);

CREATE TABLE IF NOT EXISTS cards (
	account_id TEXT PRIMARY KEY REFERENCES accounts(id),
	masked_number TEXT NOT NULL,
	holder_name TEXT NOT NULL,
	expiry_date TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cards_holder ON cards(holder_name);
`

// Store implements the storage interfaces using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// pgq is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgq interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// retryable reports whether err is a transient transaction failure
// (serialization or deadlock abort) that maps to ErrStorageConflict.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// =============================================================================
// ACCOUNT STORE (ledger.AccountStore interface)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return getAccount(ctx, s.pool, id)
}

func getAccount(ctx context.Context, q pgq, id ledger.AccountID) (*ledger.Account, error) {
	var (
		acc     ledger.Account
		balance string
		expiry  *time.Time
	)
	err := q.QueryRow(ctx,
		"SELECT id, balance::text, status, version, expiry, created_at, updated_at FROM accounts WHERE id = $1",
		id,
	).Scan(&acc.ID, &balance, &acc.Status, &acc.Version, &expiry, &acc.CreatedAt, &acc.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("corrupt balance for account %s: %w", id, err)
	}
	acc.Expiry = expiry
	return &acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc *ledger.Account) error {
	now := time.Now().UTC()
	acc.Version = 1
	acc.CreatedAt = now
	acc.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, balance, status, version, expiry, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		acc.ID, acc.Balance.StringFixed(ledger.MoneyScale), acc.Status, acc.Version,
		acc.Expiry, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create account %s: %w", acc.ID, err)
	}
	return nil
}

func (s *Store) SetAccountStatus(ctx context.Context, id ledger.AccountID, status ledger.AccountStatus) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE accounts SET status = $1, updated_at = $2 WHERE id = $3",
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *Store) CompareAndUpdateBalance(ctx context.Context, id ledger.AccountID, expectedVersion int64, newBalance decimal.Decimal) error {
	return compareAndUpdate(ctx, s.pool, id, expectedVersion, newBalance)
}

func compareAndUpdate(ctx context.Context, q pgq, id ledger.AccountID, expectedVersion int64, newBalance decimal.Decimal) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance.StringFixed(ledger.MoneyScale), time.Now().UTC(), id, expectedVersion,
	)
	if err != nil {
		if retryable(err) {
			return fmt.Errorf("balance update aborted: %w", ledger.ErrStorageConflict)
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var found int
	if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM accounts WHERE id = $1", id).Scan(&found); err != nil {
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
	return appendTransfer(ctx, s.pool, rec)
}

func appendTransfer(ctx context.Context, q pgq, rec *ledger.TransferRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var seq uint64
	err := q.QueryRow(ctx, `
		INSERT INTO transfers (id, from_account_id, to_account_id, amount, status, description, created_at)
		VALUES ('', $1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		rec.FromAccountID, rec.ToAccountID, rec.Amount.StringFixed(ledger.MoneyScale),
		rec.Status, rec.Description, rec.CreatedAt.UTC(),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to append transfer: %w", err)
	}

	rec.Seq = seq
	rec.ID = ledger.TransferID(fmt.Sprintf("tr_%d", seq))

	if _, err := q.Exec(ctx, "UPDATE transfers SET id = $1 WHERE seq = $2", rec.ID, seq); err != nil {
		return fmt.Errorf("failed to append transfer: %w", err)
	}
	return nil
}

func (s *Store) SetTransferStatus(ctx context.Context, id ledger.TransferID, status ledger.TransferStatus) error {
	return setTransferStatus(ctx, s.pool, id, status)
}

func setTransferStatus(ctx context.Context, q pgq, id ledger.TransferID, status ledger.TransferStatus) error {
	tag, err := q.Exec(ctx,
		"UPDATE transfers SET status = $1 WHERE id = $2 AND status = $3",
		status, id, ledger.TransferPending,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var found int
	if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM transfers WHERE id = $1", id).Scan(&found); err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}
	if found == 0 {
		return ledger.ErrTransferNotFound
	}
	return ledger.ErrStatusFinal
}

const transferColumns = "seq, id, from_account_id, to_account_id, amount::text, status, COALESCE(description, ''), created_at"

func (s *Store) GetTransfer(ctx context.Context, id ledger.TransferID) (*ledger.TransferRecord, error) {
	return getTransfer(ctx, s.pool, id)
}

func getTransfer(ctx context.Context, q pgq, id ledger.TransferID) (*ledger.TransferRecord, error) {
	rows, err := q.Query(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = $1", id)
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
		"(from_account_id = $1 OR to_account_id = $1)", id)
}

func (s *Store) ListByStatus(ctx context.Context, status ledger.TransferStatus, page ledger.Page) ([]ledger.TransferRecord, error) {
	return s.listTransfers(ctx, page, "status = $1", status)
}

func (s *Store) ListByDateRange(ctx context.Context, from, to time.Time, page ledger.Page) ([]ledger.TransferRecord, error) {
	return s.listTransfers(ctx, page,
		"created_at >= $1 AND created_at <= $2", from.UTC(), to.UTC())
}

func (s *Store) listTransfers(ctx context.Context, page ledger.Page, where string, args ...any) ([]ledger.TransferRecord, error) {
	var sb strings.Builder
	sb.WriteString("SELECT " + transferColumns + " FROM transfers WHERE " + where)
	if page.Cursor != 0 {
		args = append(args, page.Cursor)
		fmt.Fprintf(&sb, " AND seq < $%d", len(args))
	}
	sb.WriteString(" ORDER BY seq DESC")
	if page.Limit > 0 {
		args = append(args, page.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
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

func scanTransfer(rows pgx.Rows) (ledger.TransferRecord, error) {
	var (
		rec    ledger.TransferRecord
		amount string
	)
	err := rows.Scan(&rec.Seq, &rec.ID, &rec.FromAccountID, &rec.ToAccountID,
		&amount, &rec.Status, &rec.Description, &rec.CreatedAt)
	if err != nil {
		return rec, fmt.Errorf("failed to scan transfer: %w", err)
	}
	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return rec, fmt.Errorf("corrupt amount on transfer %s: %w", rec.ID, err)
	}
	return rec, nil
}

// =============================================================================
// ATOMIC UNIT (ledger.Store interface)
// =============================================================================

// WithTransferTx executes fn within one REPEATABLE READ transaction.
// Serialization aborts come back as ErrStorageConflict, which callers may
// retry.
func (s *Store) WithTransferTx(ctx context.Context, fn func(tx ledger.TxStore) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&txStore{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		if retryable(err) {
			return fmt.Errorf("commit aborted: %w", ledger.ErrStorageConflict)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore scopes the storage interfaces to one pgx transaction.
type txStore struct {
	tx pgx.Tx
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cards (account_id, masked_number, holder_name, expiry_date, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		card.AccountID, card.MaskedNumber, card.HolderName,
		card.ExpiryDate.UTC(), card.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save card: %w", err)
	}
	return nil
}

func (s *Store) GetCard(ctx context.Context, id ledger.AccountID) (*cards.Card, error) {
	var card cards.Card
	err := s.pool.QueryRow(ctx,
		"SELECT account_id, masked_number, holder_name, expiry_date, created_at FROM cards WHERE account_id = $1",
		id,
	).Scan(&card.AccountID, &card.MaskedNumber, &card.HolderName, &card.ExpiryDate, &card.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cards.ErrCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load card: %w", err)
	}
	return &card, nil
}

func (s *Store) ListCards(ctx context.Context, holder string) ([]cards.Card, error) {
	query := "SELECT account_id, masked_number, holder_name, expiry_date, created_at FROM cards"
	var args []any
	if holder != "" {
		query += " WHERE holder_name = $1"
		args = append(args, holder)
	}
	query += " ORDER BY created_at DESC, account_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var out []cards.Card
	for rows.Next() {
		var card cards.Card
		if err := rows.Scan(&card.AccountID, &card.MaskedNumber, &card.HolderName, &card.ExpiryDate, &card.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

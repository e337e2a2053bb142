/*
store.go - Persistence interfaces for accounts and the transfer ledger

PURPOSE:
  Defines the contract between the engine and storage. The engine is
  storage-engine agnostic: it needs atomic read-modify-write on two account
  rows plus an append to the transfer log, nothing more.

KEY INTERFACES:
  AccountStore: Keyed account storage with a conditional balance update
  LedgerStore:  Append-only transfer log with status advancement
  Store:        Both, plus WithTransferTx for the atomic unit
  TxStore:      The view handed to code running inside the unit

CONDITIONAL UPDATE CONTRACT:
  CompareAndUpdateBalance is the ONLY mutation path for balances. A write
  with a stale version returns ErrStorageConflict instead of silently
  overwriting - concurrent modification is detected, never absorbed.

APPEND-ONLY CONTRACT:
  Transfer records are never deleted. The only mutation is SetTransferStatus,
  and only PENDING records may move; terminal statuses are final.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite with WAL
  - store/postgres/postgres.go: PostgreSQL via pgx, versioned updates

SEE ALSO:
  - engine.go: The only writer
  - query.go: Read-only projections over LedgerStore
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

// AccountStore is durable keyed storage of card balances.
type AccountStore interface {
	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// CreateAccount persists a new account. The store assigns Version 1 and
	// the timestamps.
	CreateAccount(ctx context.Context, acc *Account) error

	// SetAccountStatus updates the status only. Used by card management,
	// never by the engine.
	SetAccountStatus(ctx context.Context, id AccountID, status AccountStatus) error

	// CompareAndUpdateBalance writes newBalance and bumps the version iff the
	// stored version equals expectedVersion. Returns ErrStorageConflict on a
	// stale version. This is the only balance mutation path.
	CompareAndUpdateBalance(ctx context.Context, id AccountID, expectedVersion int64, newBalance decimal.Decimal) error
}

// =============================================================================
// LEDGER STORE - Append-only transfer log
// =============================================================================

// Page selects a slice of the ledger, newest first. Cursor is the Seq of the
// last record the caller has seen; zero means "start from the newest".
// Because Seq is immutable and monotonic, concurrent appends can never make
// a page skip or repeat records.
type Page struct {
	Cursor uint64
	Limit  int
}

// LedgerStore is the durable, append-only transfer log.
type LedgerStore interface {
	// AppendTransfer persists rec and assigns its ID and Seq. The record's
	// status at append time is whatever the engine set (PENDING inside the
	// atomic unit, FAILED for fault records).
	AppendTransfer(ctx context.Context, rec *TransferRecord) error

	// SetTransferStatus advances a PENDING record to a terminal status.
	// Returns ErrStatusFinal if the record is already terminal and
	// ErrTransferNotFound if it doesn't exist.
	SetTransferStatus(ctx context.Context, id TransferID, status TransferStatus) error

	// GetTransfer returns the record or ErrTransferNotFound.
	GetTransfer(ctx context.Context, id TransferID) (*TransferRecord, error)

	// ListByAccount returns records where id is source or destination,
	// newest first.
	ListByAccount(ctx context.Context, id AccountID, page Page) ([]TransferRecord, error)

	// ListByStatus returns records with the given status, newest first.
	ListByStatus(ctx context.Context, status TransferStatus, page Page) ([]TransferRecord, error)

	// ListByDateRange returns records with CreatedAt in [from, to],
	// newest first.
	ListByDateRange(ctx context.Context, from, to time.Time, page Page) ([]TransferRecord, error)
}

// =============================================================================
// STORE - The full storage contract the engine needs
// =============================================================================

// TxStore is the storage view inside one atomic unit. Reads observe the
// unit's own writes; nothing is visible to other operations until the unit
// commits.
type TxStore interface {
	AccountStore
	LedgerStore
}

// Store is what the engine is constructed with.
type Store interface {
	TxStore

	// WithTransferTx executes fn within one atomic unit. If fn returns an
	// error the unit is rolled back in full - balances and ledger appends
	// alike; otherwise it commits durably before WithTransferTx returns.
	WithTransferTx(ctx context.Context, fn func(tx TxStore) error) error
}

/*
Package ledger provides the core transfer engine for card accounts.

PURPOSE:
  This package contains the types and algorithms that move money between
  card accounts without ever losing or creating it. Balances are mutated
  only through the engine's atomic unit; every attempt leaves a durable
  TransferRecord whose status says exactly what happened.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: A card's balance-bearing record with a version counter
  - TransferRecord: An immutable ledger entry for one transfer attempt
  - TransferRequest: Caller input to the engine
  - AccountID/TransferID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal everywhere money appears - no floats
  2. Immutability: TransferRecords are created once; only status advances
  3. Conservation: A transfer debits and credits the same amount, atomically
  4. Auditability: Rejected requests leave nothing, failed commits leave
     a FAILED record

SEE ALSO:
  - engine.go: The transfer algorithm (ordered locking, validation, commit)
  - store.go: Persistence interfaces
  - errors.go: The error taxonomy callers dispatch on
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransferID string

// =============================================================================
// MONEY - Fixed-point decimal, scale 2
// =============================================================================

// MoneyScale is the number of fractional digits every balance and amount
// carries. Amounts with more precision are rejected, never rounded.
const MoneyScale = 2

// ValidAmount reports whether d is a well-formed transfer amount:
// strictly positive with at most two fractional digits.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Exponent() >= -MoneyScale
}

// MustParseDecimal parses s or returns zero. Test and seed helper.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// ACCOUNT - Card balance record
// =============================================================================

type AccountStatus string

const (
	AccountActive  AccountStatus = "ACTIVE"
	AccountBlocked AccountStatus = "BLOCKED"
	AccountExpired AccountStatus = "EXPIRED"
)

// Account is the balance-bearing record behind a card.
//
// INVARIANTS:
//   - Balance >= 0 at every committed point
//   - Balance changes only through CompareAndUpdateBalance, which bumps
//     Version; a stale Version is rejected, never overwritten
type Account struct {
	ID      AccountID
	Balance decimal.Decimal
	Status  AccountStatus
	Version int64

	// Expiry is the card's expiry date. Nil means the account never expires.
	Expiry    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpiredAt reports whether the account's card is past expiry at now.
func (a *Account) ExpiredAt(now time.Time) bool {
	return a.Expiry != nil && a.Expiry.Before(now)
}

// =============================================================================
// TRANSFER RECORD - One ledger entry per transfer attempt
// =============================================================================

type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferCompleted TransferStatus = "COMPLETED"
	TransferFailed    TransferStatus = "FAILED"
)

// Terminal reports whether s is a final status. COMPLETED and FAILED never
// transition again.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed
}

// TransferRecord is the durable record of a transfer attempt.
//
// ID and Seq are assigned by the ledger store on append and never change.
// Seq is monotonic across the whole ledger, which makes it the pagination
// cursor: pages keyed on Seq cannot skip or duplicate rows when appends
// race with reads.
type TransferRecord struct {
	ID            TransferID
	Seq           uint64
	FromAccountID AccountID
	ToAccountID   AccountID
	Amount        decimal.Decimal
	Status        TransferStatus
	Description   string
	CreatedAt     time.Time
}

// =============================================================================
// TRANSFER REQUEST - Caller input
// =============================================================================

// TransferRequest describes one transfer the caller wants executed.
// IdempotencyKey is optional; when present, a repeated submission returns
// the prior record instead of moving money twice.
type TransferRequest struct {
	FromAccountID  AccountID
	ToAccountID    AccountID
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

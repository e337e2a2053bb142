/*
query.go - Read-only projections over the transfer ledger

PURPOSE:
  Listing and filtering for reporting collaborators. Queries only ever see
  committed records - an in-flight atomic unit from another call is
  invisible - and pagination is keyed on the immutable Seq so concurrent
  appends never shift a page.
*/
package ledger

import (
	"context"
	"time"
)

const (
	// DefaultPageSize applies when a caller asks for zero or negative.
	DefaultPageSize = 20

	// MaxPageSize caps a single page regardless of what the caller asks.
	MaxPageSize = 100
)

// Query serves read-only projections of ledger entries. It never mutates
// anything.
type Query struct {
	ledger LedgerStore
}

func NewQuery(ledger LedgerStore) *Query {
	return &Query{ledger: ledger}
}

// Transfer returns a single record by ID.
func (q *Query) Transfer(ctx context.Context, id TransferID) (*TransferRecord, error) {
	return q.ledger.GetTransfer(ctx, id)
}

// ByAccount lists records where id appears as source or destination,
// newest first.
func (q *Query) ByAccount(ctx context.Context, id AccountID, page Page) ([]TransferRecord, error) {
	return q.ledger.ListByAccount(ctx, id, clamp(page))
}

// ByStatus lists records with the given status, newest first.
func (q *Query) ByStatus(ctx context.Context, status TransferStatus, page Page) ([]TransferRecord, error) {
	return q.ledger.ListByStatus(ctx, status, clamp(page))
}

// ByDateRange lists records created in [from, to], newest first.
func (q *Query) ByDateRange(ctx context.Context, from, to time.Time, page Page) ([]TransferRecord, error) {
	return q.ledger.ListByDateRange(ctx, from, to, clamp(page))
}

// NextCursor returns the cursor for the page after recs, or zero when recs
// is empty (no further pages).
func NextCursor(recs []TransferRecord) uint64 {
	if len(recs) == 0 {
		return 0
	}
	return recs[len(recs)-1].Seq
}

func clamp(p Page) Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

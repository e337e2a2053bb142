package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/card-ledger/cards"
	"github.com/warp/card-ledger/ledger"
	"github.com/warp/card-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, s *sqlite.Store, id, balance string) *ledger.Account {
	t.Helper()
	acc := &ledger.Account{
		ID:      ledger.AccountID(id),
		Balance: ledger.MustParseDecimal(balance),
		Status:  ledger.AccountActive,
	}
	require.NoError(t, s.CreateAccount(context.Background(), acc))
	return acc
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAccount_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expiry := time.Date(2028, time.June, 30, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateAccount(ctx, &ledger.Account{
		ID:      "acc-1",
		Balance: ledger.MustParseDecimal("123.45"),
		Status:  ledger.AccountActive,
		Expiry:  &expiry,
	}))

	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("acc-1"), acc.ID)
	assert.True(t, acc.Balance.Equal(ledger.MustParseDecimal("123.45")))
	assert.Equal(t, ledger.AccountActive, acc.Status)
	assert.Equal(t, int64(1), acc.Version)
	require.NotNil(t, acc.Expiry)
	assert.True(t, acc.Expiry.Equal(expiry))

	_, err = s.GetAccount(ctx, "acc-missing")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestAccount_DuplicateIDRejected(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "acc-1", "10.00")

	err := s.CreateAccount(context.Background(), &ledger.Account{
		ID: "acc-1", Balance: ledger.MustParseDecimal("0.00"), Status: ledger.AccountActive,
	})
	assert.Error(t, err)
}

func TestAccount_SetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-1", "10.00")

	require.NoError(t, s.SetAccountStatus(ctx, "acc-1", ledger.AccountBlocked))
	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountBlocked, acc.Status)

	err = s.SetAccountStatus(ctx, "acc-missing", ledger.AccountBlocked)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestCompareAndUpdateBalance_VersionDiscipline(t *testing.T) {
	// GIVEN: An account at version 1
	// WHEN: Updating with the right version, then again with the stale one
	// THEN: First succeeds and bumps the version; second hits a conflict

	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-1", "100.00")

	require.NoError(t, s.CompareAndUpdateBalance(ctx, "acc-1", 1, ledger.MustParseDecimal("75.00")))

	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(ledger.MustParseDecimal("75.00")))
	assert.Equal(t, int64(2), acc.Version)

	// Stale version
	err = s.CompareAndUpdateBalance(ctx, "acc-1", 1, ledger.MustParseDecimal("50.00"))
	assert.ErrorIs(t, err, ledger.ErrStorageConflict)

	// Unknown account is distinguishable from a conflict
	err = s.CompareAndUpdateBalance(ctx, "acc-missing", 1, ledger.MustParseDecimal("1.00"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

// =============================================================================
// TRANSFER LOG
// =============================================================================

func TestTransferLog_AppendAssignsSeqAndID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec1 := &ledger.TransferRecord{
		FromAccountID: "acc-a", ToAccountID: "acc-b",
		Amount: ledger.MustParseDecimal("5.00"), Status: ledger.TransferCompleted,
	}
	rec2 := &ledger.TransferRecord{
		FromAccountID: "acc-a", ToAccountID: "acc-b",
		Amount: ledger.MustParseDecimal("6.00"), Status: ledger.TransferCompleted,
	}
	require.NoError(t, s.AppendTransfer(ctx, rec1))
	require.NoError(t, s.AppendTransfer(ctx, rec2))

	assert.NotEmpty(t, rec1.ID)
	assert.Greater(t, rec2.Seq, rec1.Seq, "seq must be monotonic")

	got, err := s.GetTransfer(ctx, rec2.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(ledger.MustParseDecimal("6.00")))

	_, err = s.GetTransfer(ctx, "tr_unknown")
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
}

func TestTransferLog_TerminalStatusIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ledger.TransferRecord{
		FromAccountID: "acc-a", ToAccountID: "acc-b",
		Amount: ledger.MustParseDecimal("5.00"), Status: ledger.TransferPending,
	}
	require.NoError(t, s.AppendTransfer(ctx, rec))

	require.NoError(t, s.SetTransferStatus(ctx, rec.ID, ledger.TransferCompleted))

	// Terminal rows refuse further moves
	err := s.SetTransferStatus(ctx, rec.ID, ledger.TransferFailed)
	assert.ErrorIs(t, err, ledger.ErrStatusFinal)

	err = s.SetTransferStatus(ctx, "tr_unknown", ledger.TransferCompleted)
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
}

func TestTransferLog_ListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(from, to string, status ledger.TransferStatus, at time.Time) *ledger.TransferRecord {
		rec := &ledger.TransferRecord{
			FromAccountID: ledger.AccountID(from), ToAccountID: ledger.AccountID(to),
			Amount: ledger.MustParseDecimal("1.00"), Status: status, CreatedAt: at,
		}
		require.NoError(t, s.AppendTransfer(ctx, rec))
		return rec
	}

	day1 := time.Date(2026, time.May, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, time.May, 2, 10, 0, 0, 0, time.UTC)
	day3 := time.Date(2026, time.May, 3, 10, 0, 0, 0, time.UTC)

	mk("acc-a", "acc-b", ledger.TransferCompleted, day1)
	r2 := mk("acc-b", "acc-c", ledger.TransferCompleted, day2)
	r3 := mk("acc-c", "acc-a", ledger.TransferFailed, day3)

	// By account: both directions count, newest first
	recs, err := s.ListByAccount(ctx, "acc-a", ledger.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, r3.ID, recs[0].ID)

	// By status
	recs, err = s.ListByStatus(ctx, ledger.TransferFailed, ledger.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, r3.ID, recs[0].ID)

	// By date range, inclusive
	recs, err = s.ListByDateRange(ctx, day2, day2, ledger.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, r2.ID, recs[0].ID)
}

func TestTransferLog_CursorPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []ledger.TransferID
	for i := 0; i < 7; i++ {
		rec := &ledger.TransferRecord{
			FromAccountID: "acc-a", ToAccountID: "acc-b",
			Amount: ledger.MustParseDecimal("1.00"), Status: ledger.TransferCompleted,
		}
		require.NoError(t, s.AppendTransfer(ctx, rec))
		ids = append(ids, rec.ID)
	}

	page1, err := s.ListByAccount(ctx, "acc-a", ledger.Page{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.Equal(t, ids[6], page1[0].ID)

	page2, err := s.ListByAccount(ctx, "acc-a", ledger.Page{Cursor: ledger.NextCursor(page1), Limit: 3})
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, ids[3], page2[0].ID)

	page3, err := s.ListByAccount(ctx, "acc-a", ledger.Page{Cursor: ledger.NextCursor(page2), Limit: 3})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].ID)
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

func TestWithTransferTx_RollbackLeavesNoTrace(t *testing.T) {
	// GIVEN: A unit that debits, appends a record, then fails
	// WHEN: It returns an error
	// THEN: Neither the balance change nor the record survives

	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-a", "100.00")

	boom := errors.New("boom")
	err := s.WithTransferTx(ctx, func(tx ledger.TxStore) error {
		if err := tx.CompareAndUpdateBalance(ctx, "acc-a", 1, ledger.MustParseDecimal("10.00")); err != nil {
			return err
		}
		rec := &ledger.TransferRecord{
			FromAccountID: "acc-a", ToAccountID: "acc-b",
			Amount: ledger.MustParseDecimal("90.00"), Status: ledger.TransferPending,
		}
		if err := tx.AppendTransfer(ctx, rec); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	acc, err := s.GetAccount(ctx, "acc-a")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(ledger.MustParseDecimal("100.00")))
	assert.Equal(t, int64(1), acc.Version)

	recs, err := s.ListByAccount(ctx, "acc-a", ledger.Page{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestWithTransferTx_CommitAppliesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-a", "100.00")
	seed(t, s, "acc-b", "0.00")

	var recID ledger.TransferID
	err := s.WithTransferTx(ctx, func(tx ledger.TxStore) error {
		rec := &ledger.TransferRecord{
			FromAccountID: "acc-a", ToAccountID: "acc-b",
			Amount: ledger.MustParseDecimal("40.00"), Status: ledger.TransferPending,
		}
		if err := tx.AppendTransfer(ctx, rec); err != nil {
			return err
		}
		recID = rec.ID
		if err := tx.CompareAndUpdateBalance(ctx, "acc-a", 1, ledger.MustParseDecimal("60.00")); err != nil {
			return err
		}
		if err := tx.CompareAndUpdateBalance(ctx, "acc-b", 1, ledger.MustParseDecimal("40.00")); err != nil {
			return err
		}
		return tx.SetTransferStatus(ctx, rec.ID, ledger.TransferCompleted)
	})
	require.NoError(t, err)

	a, _ := s.GetAccount(ctx, "acc-a")
	b, _ := s.GetAccount(ctx, "acc-b")
	assert.True(t, a.Balance.Equal(ledger.MustParseDecimal("60.00")))
	assert.True(t, b.Balance.Equal(ledger.MustParseDecimal("40.00")))

	rec, err := s.GetTransfer(ctx, recID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCompleted, rec.Status)
}

// =============================================================================
// ENGINE OVER SQLITE - end to end through the real backend
// =============================================================================

func TestEngine_OverSQLite_TransfersAndAudits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-a", "100.00")
	seed(t, s, "acc-b", "20.00")

	eng := ledger.NewEngine(s, ledger.NewMemoryGuard())

	rec, err := eng.Transfer(ctx, ledger.TransferRequest{
		FromAccountID: "acc-a", ToAccountID: "acc-b",
		Amount: ledger.MustParseDecimal("30.00"), IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCompleted, rec.Status)

	// Replay under the same key
	again, err := eng.Transfer(ctx, ledger.TransferRequest{
		FromAccountID: "acc-a", ToAccountID: "acc-b",
		Amount: ledger.MustParseDecimal("30.00"), IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)

	a, _ := s.GetAccount(ctx, "acc-a")
	b, _ := s.GetAccount(ctx, "acc-b")
	assert.True(t, a.Balance.Equal(ledger.MustParseDecimal("70.00")))
	assert.True(t, b.Balance.Equal(ledger.MustParseDecimal("50.00")))

	// Rejection leaves no additional record
	_, err = eng.Transfer(ctx, ledger.TransferRequest{
		FromAccountID: "acc-a", ToAccountID: "acc-b",
		Amount: ledger.MustParseDecimal("1000.00"),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	recs, err := s.ListByAccount(ctx, "acc-a", ledger.Page{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// =============================================================================
// CARDS
// =============================================================================

func TestCards_RoundTripAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-1", "0.00")
	seed(t, s, "acc-2", "0.00")

	expiry := time.Date(2028, time.January, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCard(ctx, cards.Card{
		AccountID: "acc-1", MaskedNumber: "**** **** **** 1234",
		HolderName: "Ada Lovelace", ExpiryDate: expiry, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.SaveCard(ctx, cards.Card{
		AccountID: "acc-2", MaskedNumber: "**** **** **** 5678",
		HolderName: "Alan Turing", ExpiryDate: expiry, CreatedAt: time.Now().UTC(),
	}))

	card, err := s.GetCard(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "**** **** **** 1234", card.MaskedNumber)
	assert.Equal(t, "Ada Lovelace", card.HolderName)

	_, err = s.GetCard(ctx, "acc-missing")
	assert.ErrorIs(t, err, cards.ErrCardNotFound)

	all, err := s.ListCards(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := s.ListCards(ctx, "Ada Lovelace")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, ledger.AccountID("acc-1"), mine[0].AccountID)
}

package cards_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/card-ledger/cards"
	"github.com/warp/card-ledger/ledger"
	"github.com/warp/card-ledger/ledger/store"
)

func newTestService(t *testing.T) (*cards.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return cards.NewService(mem, mem), mem
}

func futureExpiry() time.Time {
	return time.Now().UTC().AddDate(3, 0, 0)
}

func TestIssue_CreatesZeroBalanceActiveAccount(t *testing.T) {
	// GIVEN: A fresh service
	// WHEN: Issuing a card
	// THEN: A zero-balance ACTIVE account exists with the card's expiry,
	//       and only a masked number is stored

	svc, mem := newTestService(t)
	ctx := context.Background()

	card, err := svc.Issue(ctx, "Ada Lovelace", futureExpiry())
	require.NoError(t, err)
	assert.NotEmpty(t, card.AccountID)
	assert.Regexp(t, regexp.MustCompile(`^\*{4} \*{4} \*{4} \d{4}$`), card.MaskedNumber)

	acc, err := mem.GetAccount(ctx, card.AccountID)
	require.NoError(t, err)
	assert.True(t, acc.Balance.IsZero())
	assert.Equal(t, ledger.AccountActive, acc.Status)
	require.NotNil(t, acc.Expiry)
	assert.True(t, acc.Expiry.Equal(card.ExpiryDate))
}

func TestIssue_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "", futureExpiry())
	assert.Error(t, err, "holder name is required")

	_, err = svc.Issue(ctx, "Ada Lovelace", time.Now().UTC().AddDate(-1, 0, 0))
	assert.Error(t, err, "past expiry must be rejected")
}

func TestBlockAndActivate_Lifecycle(t *testing.T) {
	// GIVEN: An issued card
	// WHEN: Blocking, then reactivating it
	// THEN: The account status follows

	svc, mem := newTestService(t)
	ctx := context.Background()

	card, err := svc.Issue(ctx, "Ada Lovelace", futureExpiry())
	require.NoError(t, err)

	require.NoError(t, svc.Block(ctx, card.AccountID))
	acc, _ := mem.GetAccount(ctx, card.AccountID)
	assert.Equal(t, ledger.AccountBlocked, acc.Status)

	view, err := svc.Get(ctx, card.AccountID)
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountBlocked, view.Status)

	require.NoError(t, svc.Activate(ctx, card.AccountID))
	acc, _ = mem.GetAccount(ctx, card.AccountID)
	assert.Equal(t, ledger.AccountActive, acc.Status)
}

func TestBlock_UnknownCard(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Block(context.Background(), "acc-ghost")
	assert.ErrorIs(t, err, cards.ErrCardNotFound)
}

func TestActivate_ExpiredCardRefused(t *testing.T) {
	// A card past expiry can be blocked but never reactivated.

	svc, mem := newTestService(t)
	ctx := context.Background()

	// Issue with a near-future expiry, then move past it by saving a card
	// directly with an old date.
	old := time.Now().UTC().AddDate(-1, 0, 0)
	require.NoError(t, mem.CreateAccount(ctx, &ledger.Account{
		ID: "acc-old", Status: ledger.AccountBlocked, Expiry: &old,
		Balance: ledger.MustParseDecimal("0.00"),
	}))
	require.NoError(t, mem.SaveCard(ctx, cards.Card{
		AccountID: "acc-old", MaskedNumber: "**** **** **** 0001",
		HolderName: "Ada Lovelace", ExpiryDate: old, CreatedAt: old,
	}))

	err := svc.Activate(ctx, "acc-old")
	assert.ErrorIs(t, err, cards.ErrCardExpired)
}

func TestExpireOverdue_SweepsOnlyPastExpiry(t *testing.T) {
	// GIVEN: One overdue card and one current card
	// WHEN: The sweep runs twice
	// THEN: Only the overdue account moves to EXPIRED, and only once

	svc, mem := newTestService(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, -1, 0)
	require.NoError(t, mem.CreateAccount(ctx, &ledger.Account{
		ID: "acc-old", Status: ledger.AccountActive, Expiry: &old,
		Balance: ledger.MustParseDecimal("5.00"),
	}))
	require.NoError(t, mem.SaveCard(ctx, cards.Card{
		AccountID: "acc-old", MaskedNumber: "**** **** **** 0001",
		HolderName: "Ada Lovelace", ExpiryDate: old, CreatedAt: old,
	}))

	current, err := svc.Issue(ctx, "Alan Turing", futureExpiry())
	require.NoError(t, err)

	n, err := svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	oldAcc, _ := mem.GetAccount(ctx, "acc-old")
	assert.Equal(t, ledger.AccountExpired, oldAcc.Status)
	curAcc, _ := mem.GetAccount(ctx, current.AccountID)
	assert.Equal(t, ledger.AccountActive, curAcc.Status)

	// Second sweep is a no-op
	n, err = svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestList_JoinsLiveStatusAndFiltersByHolder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c1, err := svc.Issue(ctx, "Ada Lovelace", futureExpiry())
	require.NoError(t, err)
	_, err = svc.Issue(ctx, "Alan Turing", futureExpiry())
	require.NoError(t, err)
	require.NoError(t, svc.Block(ctx, c1.AccountID))

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := svc.List(ctx, "Ada Lovelace")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, c1.AccountID, mine[0].AccountID)
	assert.Equal(t, ledger.AccountBlocked, mine[0].Status)
}

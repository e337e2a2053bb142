/*
Package cards provides card issuance and lifecycle management on top of the
ledger's account store.

PURPOSE:
  Cards are the user-facing face of accounts: issuing a card creates a
  zero-balance ACTIVE account, blocking a card blocks its account, and a
  card past its expiry date is swept to EXPIRED. The transfer engine itself
  never touches card metadata; it only reads account status.

CARD NUMBERS:
  Numbers are generated at issuance and persisted masked only - the last
  four digits survive, nothing else. Encrypting and vaulting full PANs is a
  different system's job.

SEE ALSO:
  - ledger/types.go: Account and status definitions
  - store/sqlite/sqlite.go: Card persistence
*/
package cards

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/warp/card-ledger/ledger"
)

// ErrCardNotFound is returned when no card exists for an account.
var ErrCardNotFound = errors.New("card not found")

// ErrCardExpired is returned when a lifecycle operation is invalid for an
// expired card.
var ErrCardExpired = errors.New("card expired")

// Card is the metadata record behind an account. Balance and status live on
// the account; the card carries presentation fields.
type Card struct {
	AccountID    ledger.AccountID
	MaskedNumber string
	HolderName   string
	ExpiryDate   time.Time
	CreatedAt    time.Time
}

// CardStore persists card metadata.
type CardStore interface {
	SaveCard(ctx context.Context, card Card) error
	GetCard(ctx context.Context, id ledger.AccountID) (*Card, error)
	// ListCards returns cards newest first, optionally filtered by holder
	// name (empty means all).
	ListCards(ctx context.Context, holder string) ([]Card, error)
}

// CardView is a card joined with its account's live status and balance
// version-independent fields.
type CardView struct {
	Card
	Status ledger.AccountStatus
}

// Service manages the card lifecycle. It owns no state; everything lives in
// the injected stores.
type Service struct {
	cards    CardStore
	accounts ledger.AccountStore
	now      func() time.Time
}

func NewService(cards CardStore, accounts ledger.AccountStore) *Service {
	return &Service{cards: cards, accounts: accounts, now: time.Now}
}

// Issue creates a card and its backing account: zero balance, ACTIVE,
// expiring at expiry.
func (s *Service) Issue(ctx context.Context, holder string, expiry time.Time) (*Card, error) {
	if holder == "" {
		return nil, fmt.Errorf("holder name is required")
	}
	now := s.now().UTC()
	if !expiry.After(now) {
		return nil, fmt.Errorf("expiry %s is in the past", expiry.Format("2006-01"))
	}

	accountID, err := newAccountID()
	if err != nil {
		return nil, err
	}

	exp := expiry.UTC()
	acc := &ledger.Account{
		ID:     accountID,
		Status: ledger.AccountActive,
		Expiry: &exp,
	}
	if err := s.accounts.CreateAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("create account for card: %w", err)
	}

	card := Card{
		AccountID:    accountID,
		MaskedNumber: newMaskedNumber(),
		HolderName:   holder,
		ExpiryDate:   exp,
		CreatedAt:    now,
	}
	if err := s.cards.SaveCard(ctx, card); err != nil {
		return nil, fmt.Errorf("save card: %w", err)
	}
	return &card, nil
}

// Get returns the card joined with its account status.
func (s *Service) Get(ctx context.Context, id ledger.AccountID) (*CardView, error) {
	card, err := s.cards.GetCard(ctx, id)
	if err != nil {
		return nil, err
	}
	acc, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CardView{Card: *card, Status: acc.Status}, nil
}

// List returns all cards (optionally filtered by holder) with live status.
func (s *Service) List(ctx context.Context, holder string) ([]CardView, error) {
	cs, err := s.cards.ListCards(ctx, holder)
	if err != nil {
		return nil, err
	}
	out := make([]CardView, 0, len(cs))
	for _, c := range cs {
		acc, err := s.accounts.GetAccount(ctx, c.AccountID)
		if err != nil {
			return nil, err
		}
		out = append(out, CardView{Card: c, Status: acc.Status})
	}
	return out, nil
}

// Block moves the card's account to BLOCKED. Blocking is idempotent.
func (s *Service) Block(ctx context.Context, id ledger.AccountID) error {
	if _, err := s.cards.GetCard(ctx, id); err != nil {
		return err
	}
	return s.accounts.SetAccountStatus(ctx, id, ledger.AccountBlocked)
}

// Activate moves a BLOCKED card back to ACTIVE. An expired card cannot be
// reactivated.
func (s *Service) Activate(ctx context.Context, id ledger.AccountID) error {
	card, err := s.cards.GetCard(ctx, id)
	if err != nil {
		return err
	}
	if card.ExpiryDate.Before(s.now()) {
		return fmt.Errorf("card %s: %w", id, ErrCardExpired)
	}
	return s.accounts.SetAccountStatus(ctx, id, ledger.AccountActive)
}

// ExpireOverdue sweeps every card past its expiry date to EXPIRED and
// returns how many were moved. Meant for a periodic job.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	cs, err := s.cards.ListCards(ctx, "")
	if err != nil {
		return 0, err
	}

	now := s.now()
	expired := 0
	for _, c := range cs {
		if !c.ExpiryDate.Before(now) {
			continue
		}
		acc, err := s.accounts.GetAccount(ctx, c.AccountID)
		if err != nil {
			return expired, err
		}
		if acc.Status == ledger.AccountExpired {
			continue
		}
		if err := s.accounts.SetAccountStatus(ctx, c.AccountID, ledger.AccountExpired); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// =============================================================================
// GENERATORS
// =============================================================================

func newAccountID() (ledger.AccountID, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate account id: %w", err)
	}
	return ledger.AccountID("acc_" + hex.EncodeToString(b[:])), nil
}

// newMaskedNumber fabricates the displayable tail of a fresh card number.
// The full number never exists outside this function.
func newMaskedNumber() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		n = big.NewInt(0)
	}
	return fmt.Sprintf("**** **** **** %04d", n.Int64())
}

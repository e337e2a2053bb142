// Package store provides an in-memory ledger.Store for tests and dev.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/card-ledger/cards"
	"github.com/warp/card-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store with plain maps. The atomic unit stages
// its writes and applies them only on commit, so a failed unit leaves no
// trace, same as a rolled-back database transaction.
type Memory struct {
	mu        sync.RWMutex
	accounts  map[ledger.AccountID]ledger.Account
	transfers []ledger.TransferRecord // ascending Seq
	byID      map[ledger.TransferID]int
	cards     map[ledger.AccountID]cards.Card
	nextSeq   uint64
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]ledger.Account),
		byID:     make(map[ledger.TransferID]int),
		cards:    make(map[ledger.AccountID]cards.Card),
	}
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(id)
}

func (m *Memory) getAccountLocked(id ledger.AccountID) (*ledger.Account, error) {
	acc, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	out := acc
	return &out, nil
}

func (m *Memory) CreateAccount(_ context.Context, acc *ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acc.ID]; ok {
		return fmt.Errorf("account %s already exists", acc.ID)
	}
	now := time.Now().UTC()
	acc.Version = 1
	acc.CreatedAt = now
	acc.UpdatedAt = now
	m.accounts[acc.ID] = *acc
	return nil
}

func (m *Memory) SetAccountStatus(_ context.Context, id ledger.AccountID, status ledger.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	acc.Status = status
	acc.UpdatedAt = time.Now().UTC()
	m.accounts[id] = acc
	return nil
}

func (m *Memory) CompareAndUpdateBalance(_ context.Context, id ledger.AccountID, expectedVersion int64, newBalance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(id, expectedVersion, newBalance)
}

func (m *Memory) casLocked(id ledger.AccountID, expectedVersion int64, newBalance decimal.Decimal) error {
	acc, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if acc.Version != expectedVersion {
		return fmt.Errorf("account %s at version %d, expected %d: %w",
			id, acc.Version, expectedVersion, ledger.ErrStorageConflict)
	}
	acc.Balance = newBalance
	acc.Version++
	acc.UpdatedAt = time.Now().UTC()
	m.accounts[id] = acc
	return nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Memory) AppendTransfer(_ context.Context, rec *ledger.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(rec)
	return nil
}

func (m *Memory) appendLocked(rec *ledger.TransferRecord) {
	m.nextSeq++
	rec.Seq = m.nextSeq
	rec.ID = ledger.TransferID(fmt.Sprintf("tr_%d", rec.Seq))
	m.byID[rec.ID] = len(m.transfers)
	m.transfers = append(m.transfers, *rec)
}

func (m *Memory) SetTransferStatus(_ context.Context, id ledger.TransferID, status ledger.TransferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, status)
}

func (m *Memory) setStatusLocked(id ledger.TransferID, status ledger.TransferStatus) error {
	i, ok := m.byID[id]
	if !ok {
		return ledger.ErrTransferNotFound
	}
	if m.transfers[i].Status.Terminal() {
		return ledger.ErrStatusFinal
	}
	m.transfers[i].Status = status
	return nil
}

func (m *Memory) GetTransfer(_ context.Context, id ledger.TransferID) (*ledger.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[id]
	if !ok {
		return nil, ledger.ErrTransferNotFound
	}
	out := m.transfers[i]
	return &out, nil
}

func (m *Memory) ListByAccount(_ context.Context, id ledger.AccountID, page ledger.Page) ([]ledger.TransferRecord, error) {
	return m.list(page, func(r *ledger.TransferRecord) bool {
		return r.FromAccountID == id || r.ToAccountID == id
	})
}

func (m *Memory) ListByStatus(_ context.Context, status ledger.TransferStatus, page ledger.Page) ([]ledger.TransferRecord, error) {
	return m.list(page, func(r *ledger.TransferRecord) bool {
		return r.Status == status
	})
}

func (m *Memory) ListByDateRange(_ context.Context, from, to time.Time, page ledger.Page) ([]ledger.TransferRecord, error) {
	return m.list(page, func(r *ledger.TransferRecord) bool {
		return !r.CreatedAt.Before(from) && !r.CreatedAt.After(to)
	})
}

// list walks the log newest-first, skipping records at or past the cursor.
func (m *Memory) list(page ledger.Page, match func(*ledger.TransferRecord) bool) ([]ledger.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.TransferRecord, 0, page.Limit)
	for i := len(m.transfers) - 1; i >= 0; i-- {
		r := &m.transfers[i]
		if page.Cursor != 0 && r.Seq >= page.Cursor {
			continue
		}
		if !match(r) {
			continue
		}
		out = append(out, *r)
		if page.Limit > 0 && len(out) >= page.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// CARD STORE (cards.CardStore interface)
// =============================================================================

func (m *Memory) SaveCard(_ context.Context, card cards.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cards[card.AccountID]; ok {
		return fmt.Errorf("card for account %s already exists", card.AccountID)
	}
	m.cards[card.AccountID] = card
	return nil
}

func (m *Memory) GetCard(_ context.Context, id ledger.AccountID) (*cards.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	card, ok := m.cards[id]
	if !ok {
		return nil, cards.ErrCardNotFound
	}
	out := card
	return &out, nil
}

func (m *Memory) ListCards(_ context.Context, holder string) ([]cards.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]cards.Card, 0, len(m.cards))
	for _, c := range m.cards {
		if holder != "" && c.HolderName != holder {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

// WithTransferTx holds the store's write lock for the whole unit and stages
// every write; nothing becomes visible until fn returns nil.
func (m *Memory) WithTransferTx(_ context.Context, fn func(tx ledger.TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := &txView{m: m, accounts: make(map[ledger.AccountID]ledger.Account)}
	if err := fn(view); err != nil {
		return err
	}
	view.commit()
	return nil
}

// txView is the staged storage view inside one atomic unit. The parent's
// mutex is held by WithTransferTx, so no extra locking here.
type txView struct {
	m        *Memory
	accounts map[ledger.AccountID]ledger.Account
	appended []*ledger.TransferRecord
	statuses map[ledger.TransferID]ledger.TransferStatus
	staged   uint64 // records appended inside this unit
}

func (v *txView) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	if acc, ok := v.accounts[id]; ok {
		out := acc
		return &out, nil
	}
	return v.m.getAccountLocked(id)
}

func (v *txView) CreateAccount(context.Context, *ledger.Account) error {
	return fmt.Errorf("create account inside a transfer unit is not supported")
}

func (v *txView) SetAccountStatus(context.Context, ledger.AccountID, ledger.AccountStatus) error {
	return fmt.Errorf("set account status inside a transfer unit is not supported")
}

func (v *txView) CompareAndUpdateBalance(ctx context.Context, id ledger.AccountID, expectedVersion int64, newBalance decimal.Decimal) error {
	acc, err := v.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if acc.Version != expectedVersion {
		return fmt.Errorf("account %s at version %d, expected %d: %w",
			id, acc.Version, expectedVersion, ledger.ErrStorageConflict)
	}
	acc.Balance = newBalance
	acc.Version++
	acc.UpdatedAt = time.Now().UTC()
	v.accounts[id] = *acc
	return nil
}

func (v *txView) AppendTransfer(_ context.Context, rec *ledger.TransferRecord) error {
	v.staged++
	rec.Seq = v.m.nextSeq + v.staged
	rec.ID = ledger.TransferID(fmt.Sprintf("tr_%d", rec.Seq))
	v.appended = append(v.appended, rec)
	return nil
}

func (v *txView) SetTransferStatus(_ context.Context, id ledger.TransferID, status ledger.TransferStatus) error {
	for _, rec := range v.appended {
		if rec.ID == id {
			if rec.Status.Terminal() {
				return ledger.ErrStatusFinal
			}
			rec.Status = status
			return nil
		}
	}
	if _, ok := v.m.byID[id]; !ok {
		return ledger.ErrTransferNotFound
	}
	if v.statuses == nil {
		v.statuses = make(map[ledger.TransferID]ledger.TransferStatus)
	}
	v.statuses[id] = status
	return nil
}

func (v *txView) GetTransfer(ctx context.Context, id ledger.TransferID) (*ledger.TransferRecord, error) {
	for _, rec := range v.appended {
		if rec.ID == id {
			out := *rec
			return &out, nil
		}
	}
	i, ok := v.m.byID[id]
	if !ok {
		return nil, ledger.ErrTransferNotFound
	}
	out := v.m.transfers[i]
	return &out, nil
}

func (v *txView) ListByAccount(_ context.Context, id ledger.AccountID, page ledger.Page) ([]ledger.TransferRecord, error) {
	return nil, fmt.Errorf("list inside a transfer unit is not supported")
}

func (v *txView) ListByStatus(_ context.Context, status ledger.TransferStatus, page ledger.Page) ([]ledger.TransferRecord, error) {
	return nil, fmt.Errorf("list inside a transfer unit is not supported")
}

func (v *txView) ListByDateRange(_ context.Context, from, to time.Time, page ledger.Page) ([]ledger.TransferRecord, error) {
	return nil, fmt.Errorf("list inside a transfer unit is not supported")
}

// commit applies the staged writes. Parent mutex is held.
func (v *txView) commit() {
	for id, acc := range v.accounts {
		v.m.accounts[id] = acc
	}
	for _, rec := range v.appended {
		v.m.nextSeq++
		v.m.byID[rec.ID] = len(v.m.transfers)
		v.m.transfers = append(v.m.transfers, *rec)
	}
	for id, status := range v.statuses {
		_ = v.m.setStatusLocked(id, status)
	}
}

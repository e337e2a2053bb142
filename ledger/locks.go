/*
locks.go - Per-account lock table with bounded waits

PURPOSE:
  Serializes transfers that touch the same account. The engine acquires the
  locks for both accounts of a transfer in a fixed global order (ascending
  account ID), so two concurrent transfers over an overlapping pair always
  request locks in the same relative order and no waits-for cycle can form.

BOUNDED WAIT:
  Acquisition never blocks forever. Each acquire carries a timeout; on
  expiry the caller gets ErrTransferTimeout and retries at its leisure.
  Deadlock is structurally prevented by the ordering, the timeout is the
  belt to that suspender.

LIFECYCLE:
  Lock entries are reference counted and removed from the table once the
  last waiter is gone, so the table stays proportional to the number of
  accounts under contention, not the number of accounts.
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// lockTable hands out one exclusive lock per account ID.
type lockTable struct {
	mu    sync.Mutex
	locks map[AccountID]*accountLock
}

// accountLock is a one-slot semaphore: holding the token in sem means the
// lock is free; an empty sem means someone holds it.
type accountLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[AccountID]*accountLock)}
}

// orderPair returns the two IDs in ascending order. Both transfers over the
// pair (a,b) and (b,a) lock in the same sequence.
func orderPair(a, b AccountID) (AccountID, AccountID) {
	if b < a {
		return b, a
	}
	return a, b
}

// acquire takes the exclusive lock for id, waiting at most timeout.
// Returns ErrTransferTimeout on expiry and the context error if ctx is
// done first.
func (t *lockTable) acquire(ctx context.Context, id AccountID, timeout time.Duration) error {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &accountLock{sem: make(chan struct{}, 1)}
		l.sem <- struct{}{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.sem:
		return nil
	case <-timer.C:
		t.unref(id, l)
		return fmt.Errorf("%w: account %s held for over %s", ErrTransferTimeout, id, timeout)
	case <-ctx.Done():
		t.unref(id, l)
		return ctx.Err()
	}
}

// release returns the lock for id. Must pair with a successful acquire.
func (t *lockTable) release(id AccountID) {
	t.mu.Lock()
	l, ok := t.locks[id]
	t.mu.Unlock()
	if !ok {
		panic("ledger: release of unheld account lock " + string(id))
	}

	l.sem <- struct{}{}
	t.unref(id, l)
}

func (t *lockTable) unref(id AccountID, l *accountLock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

/*
engine.go - The transfer engine

PURPOSE:
  Executes one transfer as one atomic unit: lock both accounts in a fixed
  order, validate, debit, credit, record - all visible together or not at
  all. The sum of balances never changes, no balance goes negative, and the
  persisted record's status says exactly what happened.

ALGORITHM (per Transfer call):
  1. Reject malformed input before any I/O (amount, same-account).
  2. Consult the idempotency guard; a known key short-circuits everything.
  3. Acquire both account locks in ascending ID order, bounded wait.
  4. Inside one storage atomic unit: re-read both accounts, validate
     (exists, ACTIVE, funds, expiry), append a PENDING record, apply the
     version-checked debit and credit, advance the record to COMPLETED.
  5. Release locks in reverse order, remember the outcome under the
     idempotency key, return the finalized record.

FAILURE DISCIPLINE:
  - Validation failure: full rollback, NO ledger record, no mutation.
  - Mid-commit storage fault: full rollback of balances, then a durable
    FAILED record is appended for audit and its ID returned in the error.
  - The engine never leaves a PENDING record as the final persisted state.

CONCURRENCY:
  Transfers touching a common account are strictly serialized by the lock
  table; disjoint pairs run fully in parallel. Lock acquisition is the only
  blocking point. Cancellation is honored up to lock acquisition; once the
  atomic unit begins it runs to COMPLETED or FAILED.

SEE ALSO:
  - locks.go: The ordered lock table
  - store.go: The atomic unit contract
  - errors.go: What callers can dispatch on
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// DefaultLockTimeout bounds the wait for account locks. Transfers that
// cannot lock both accounts within it fail with ErrTransferTimeout.
const DefaultLockTimeout = 3 * time.Second

// Engine orchestrates transfers between card accounts. All dependencies are
// injected at construction; the engine holds no mutable state beyond its
// lock table.
type Engine struct {
	store       Store
	guard       Guard
	locks       *lockTable
	lockTimeout time.Duration
	now         func() time.Time
}

// NewEngine creates an engine over store. A nil guard disables idempotency
// tracking entirely; callers that pass keys should supply one.
func NewEngine(store Store, guard Guard) *Engine {
	return &Engine{
		store:       store,
		guard:       guard,
		locks:       newLockTable(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
}

// SetLockTimeout overrides the bounded lock wait. Zero or negative values
// are ignored.
func (e *Engine) SetLockTimeout(d time.Duration) {
	if d > 0 {
		e.lockTimeout = d
	}
}

// Transfer moves req.Amount from the source to the destination account and
// returns the finalized TransferRecord. The returned record is always
// terminal: COMPLETED on success, and on a mid-commit fault the error wraps
// ErrStorageFault and references the FAILED record.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (*TransferRecord, error) {
	// Fail fast, before touching storage.
	if req.FromAccountID == req.ToAccountID {
		return nil, ErrSameAccount
	}
	if !ValidAmount(req.Amount) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}

	// Duplicate submissions short-circuit before lock acquisition.
	if req.IdempotencyKey != "" && e.guard != nil {
		prior, err := e.guard.Lookup(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if prior != nil {
			return prior, nil
		}
	}

	// Cancellation is honored up to this point; nothing has been touched.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Ordered acquisition: ascending account ID, regardless of direction.
	first, second := orderPair(req.FromAccountID, req.ToAccountID)
	if err := e.locks.acquire(ctx, first, e.lockTimeout); err != nil {
		return nil, err
	}
	if err := e.locks.acquire(ctx, second, e.lockTimeout); err != nil {
		e.locks.release(first)
		return nil, err
	}
	// LIFO defers release in reverse acquisition order.
	defer e.locks.release(first)
	defer e.locks.release(second)

	rec, err := e.transferLocked(ctx, req)

	if req.IdempotencyKey != "" && e.guard != nil && rec != nil && rec.Status.Terminal() {
		// The outcome is durable; best effort on the cache.
		_ = e.guard.Remember(ctx, req.IdempotencyKey, rec)
	}

	if err != nil {
		return nil, err
	}
	return rec, nil
}

// transferLocked runs the atomic unit. Both account locks are held.
func (e *Engine) transferLocked(ctx context.Context, req TransferRequest) (*TransferRecord, error) {
	var rec *TransferRecord

	err := e.store.WithTransferTx(ctx, func(tx TxStore) error {
		from, to, err := e.validate(ctx, tx, req)
		if err != nil {
			return err
		}

		rec = &TransferRecord{
			FromAccountID: req.FromAccountID,
			ToAccountID:   req.ToAccountID,
			Amount:        req.Amount,
			Status:        TransferPending,
			Description:   req.Description,
			CreatedAt:     e.now().UTC(),
		}
		if err := tx.AppendTransfer(ctx, rec); err != nil {
			return fmt.Errorf("append transfer record: %w", err)
		}

		// The versions were read under the same unit, so a conflict here
		// means an out-of-band writer; the unit rolls back untouched.
		if err := tx.CompareAndUpdateBalance(ctx, from.ID, from.Version, from.Balance.Sub(req.Amount)); err != nil {
			return fmt.Errorf("debit %s: %w", from.ID, err)
		}
		if err := tx.CompareAndUpdateBalance(ctx, to.ID, to.Version, to.Balance.Add(req.Amount)); err != nil {
			return fmt.Errorf("credit %s: %w", to.ID, err)
		}

		if err := tx.SetTransferStatus(ctx, rec.ID, TransferCompleted); err != nil {
			return fmt.Errorf("finalize transfer record: %w", err)
		}
		rec.Status = TransferCompleted
		return nil
	})
	if err == nil {
		return rec, nil
	}

	// The unit rolled back: whatever was appended inside it is gone.
	rec = nil

	// Rejections leave no trace in the ledger. That covers validation
	// failures and version conflicts - in both cases no balance moved and
	// the caller may retry or give up.
	if IsClientError(err) || IsNotFound(err) || IsRetryable(err) {
		return nil, err
	}

	// A genuine storage fault mid-commit: balances are unchanged, but the
	// attempt must stay auditable. Record it as FAILED in a fresh write.
	failed := &TransferRecord{
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Status:        TransferFailed,
		Description:   req.Description,
		CreatedAt:     e.now().UTC(),
	}
	if appendErr := e.store.AppendTransfer(ctx, failed); appendErr != nil {
		return nil, fmt.Errorf("%w: commit failed (%v) and fault record could not be written: %v",
			ErrStorageFault, err, appendErr)
	}
	return failed, &StorageFaultError{RecordID: failed.ID, Cause: err}
}

// validate re-reads both accounts inside the atomic unit and applies the
// business rules in order, surfacing the first failure.
func (e *Engine) validate(ctx context.Context, tx TxStore, req TransferRequest) (from, to *Account, err error) {
	from, err = tx.GetAccount(ctx, req.FromAccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("source %s: %w", req.FromAccountID, err)
	}
	to, err = tx.GetAccount(ctx, req.ToAccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("destination %s: %w", req.ToAccountID, err)
	}

	if from.Status != AccountActive {
		return nil, nil, fmt.Errorf("source %s is %s: %w", from.ID, from.Status, ErrAccountNotActive)
	}
	if to.Status != AccountActive {
		return nil, nil, fmt.Errorf("destination %s is %s: %w", to.ID, to.Status, ErrAccountNotActive)
	}

	if from.Balance.LessThan(req.Amount) {
		return nil, nil, &InsufficientFundsError{
			AccountID: from.ID,
			Available: from.Balance,
			Requested: req.Amount,
		}
	}

	now := e.now()
	if from.ExpiredAt(now) {
		return nil, nil, fmt.Errorf("source %s: %w", from.ID, ErrAccountExpired)
	}
	if to.ExpiredAt(now) {
		return nil, nil, fmt.Errorf("destination %s: %w", to.ID, ErrAccountExpired)
	}

	return from, to, nil
}

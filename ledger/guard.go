/*
guard.go - Idempotency guard

PURPOSE:
  Collapses duplicate submissions of the same logical transfer. A caller
  that supplies an idempotency key gets the prior finalized record back on
  resubmission instead of moving money twice. Without a key no
  de-duplication happens; retry safety is then the caller's problem.

PLACEMENT:
  The engine consults the guard before lock acquisition, so a duplicate
  never contends for account locks.

IMPLEMENTATIONS:
  - MemoryGuard (this file): process-local map, for tests and single-node
    deployments
  - guard/redisguard: Redis-backed, for fleets behind a load balancer
*/
package ledger

import (
	"context"
	"sync"
)

// Guard remembers finalized transfers by idempotency key.
//
// Only terminal records (COMPLETED or FAILED) are remembered; an in-flight
// transfer is invisible to the guard.
type Guard interface {
	// Lookup returns the record previously remembered under key, or nil on
	// a miss.
	Lookup(ctx context.Context, key string) (*TransferRecord, error)

	// Remember stores rec under key. Later Lookups return it verbatim.
	Remember(ctx context.Context, key string, rec *TransferRecord) error
}

// =============================================================================
// MEMORY GUARD - Process-local implementation
// =============================================================================

type MemoryGuard struct {
	mu      sync.RWMutex
	records map[string]TransferRecord
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{records: make(map[string]TransferRecord)}
}

func (g *MemoryGuard) Lookup(_ context.Context, key string) (*TransferRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.records[key]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (g *MemoryGuard) Remember(_ context.Context, key string, rec *TransferRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.records[key] = *rec
	return nil
}

/*
Package redisguard provides a Redis-backed ledger.Guard.

PURPOSE:
  When the API runs as a fleet behind a load balancer, a duplicate
  submission can land on a different node than the original. A process-local
  guard cannot catch that; Redis can. Records are stored as JSON under a
  namespaced key with a TTL - idempotency keys are a replay shield, not an
  archive, and the ledger itself remains the source of truth.

SEE ALSO:
  - ledger/guard.go: The Guard contract and the in-process implementation
*/
package redisguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/warp/card-ledger/ledger"
)

const (
	// keyPrefix namespaces idempotency entries in a shared Redis.
	keyPrefix = "cardledger:idempotency:"

	// DefaultTTL is how long a remembered record shields against replays.
	DefaultTTL = 24 * time.Hour
)

// Guard implements ledger.Guard on Redis.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client) *Guard {
	return &Guard{client: client, ttl: DefaultTTL}
}

// SetTTL overrides the replay-shield window. Zero or negative is ignored.
func (g *Guard) SetTTL(d time.Duration) {
	if d > 0 {
		g.ttl = d
	}
}

func (g *Guard) Lookup(ctx context.Context, key string) (*ledger.TransferRecord, error) {
	val, err := g.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis lookup: %w", err)
	}

	var rec ledger.TransferRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("corrupt idempotency entry %q: %w", key, err)
	}
	return &rec, nil
}

func (g *Guard) Remember(ctx context.Context, key string, rec *ledger.TransferRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := g.client.Set(ctx, keyPrefix+key, raw, g.ttl).Err(); err != nil {
		return fmt.Errorf("redis store: %w", err)
	}
	return nil
}

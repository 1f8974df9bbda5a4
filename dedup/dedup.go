package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultCapacity bounds the fingerprint set before a wholesale clear.
const DefaultCapacity = 100_000

// Persistence provides durable storage for request fingerprints so a restart
// does not reopen the replay window. The in-memory set stays authoritative.
type Persistence interface {
	Record(ctx context.Context, fp common.Hash, observedAt time.Time) error
	Recent(ctx context.Context, cutoff time.Time) ([]common.Hash, error)
	Prune(ctx context.Context, cutoff time.Time) error
	Close() error
}

// Cache is a bounded set of recently seen request fingerprints. Once the set
// exceeds capacity it is cleared entirely before the next insert: a coarse
// unbounded-growth guard that trades a brief false-negative window for an
// O(1) amortized reset instead of precise eviction.
type Cache struct {
	capacity    int
	persistence Persistence
	logger      *slog.Logger

	mu   sync.Mutex
	seen map[common.Hash]struct{}
}

func New(capacity int, persistence Persistence, logger *slog.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		capacity:    capacity,
		persistence: persistence,
		logger:      logger,
		seen:        make(map[common.Hash]struct{}),
	}
}

// Fingerprint hashes the exact raw request body. Re-serialized JSON is not
// canonical, so callers must pass the bytes as received.
func Fingerprint(body []byte) common.Hash {
	return crypto.Keccak256Hash(body)
}

// Observe reports whether the fingerprint was already seen and inserts it
// either way, so a replayed request stays rejected even when the first copy
// was later refused by policy.
func (c *Cache) Observe(ctx context.Context, fp common.Hash) bool {
	c.mu.Lock()
	_, duplicate := c.seen[fp]
	if !duplicate {
		if len(c.seen) >= c.capacity {
			c.seen = make(map[common.Hash]struct{})
		}
		c.seen[fp] = struct{}{}
	}
	c.mu.Unlock()

	if !duplicate && c.persistence != nil {
		if err := c.persistence.Record(ctx, fp, time.Now().UTC()); err != nil {
			c.logger.Warn("persist fingerprint failed", "error", err)
		}
	}
	return duplicate
}

// Len returns the current number of tracked fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Hydrate warms the set with persisted fingerprints observed since cutoff and
// prunes older records.
func (c *Cache) Hydrate(ctx context.Context, cutoff time.Time) error {
	if c.persistence == nil {
		return nil
	}
	if err := c.persistence.Prune(ctx, cutoff); err != nil {
		return err
	}
	fps, err := c.persistence.Recent(ctx, cutoff)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fp := range fps {
		if len(c.seen) >= c.capacity {
			break
		}
		c.seen[fp] = struct{}{}
	}
	return nil
}

// Package cache resolves company names to system-of-record ids through two
// tiers: a per-process map in front of a TTL-bounded shared tier. The cache
// is advisory only; the store's conditional create is what prevents
// duplicates when the cache is cold or stale.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SharedTier is a shared key/value tier with per-entry TTL. The in-process
// implementation in this package is the default; a networked tier satisfies
// the same interface.
type SharedTier interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Cache is the two-tier resolver. The local tier has no TTL: within one
// process lifetime a mirrored record id never becomes wrong, only stale
// entries in the shared tier do.
type Cache struct {
	mu     sync.RWMutex
	local  map[string]string
	shared SharedTier
	ttl    time.Duration
}

// New creates a Cache over the given shared tier. A nil shared tier degrades
// to local-only operation.
func New(shared SharedTier, sharedTTL time.Duration) *Cache {
	return &Cache{
		local:  make(map[string]string),
		shared: shared,
		ttl:    sharedTTL,
	}
}

// Get resolves a company name to a record id. A shared-tier hit is promoted
// into the local tier. Shared-tier errors are treated as misses.
func (c *Cache) Get(ctx context.Context, name string) (string, bool) {
	c.mu.RLock()
	id, ok := c.local[name]
	c.mu.RUnlock()
	if ok {
		return id, true
	}

	if c.shared == nil {
		return "", false
	}
	id, ok, err := c.shared.Get(ctx, name)
	if err != nil {
		zap.L().Warn("shared cache read failed", zap.String("company", name), zap.Error(err))
		return "", false
	}
	if !ok {
		return "", false
	}

	c.mu.Lock()
	c.local[name] = id
	c.mu.Unlock()
	return id, true
}

// Put records a resolved id in both tiers. Shared-tier write failures are
// logged and ignored; the next reader falls through to the store.
func (c *Cache) Put(ctx context.Context, name, recordID string) {
	c.mu.Lock()
	c.local[name] = recordID
	c.mu.Unlock()

	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, name, recordID, c.ttl); err != nil {
		zap.L().Warn("shared cache write failed", zap.String("company", name), zap.Error(err))
	}
}

// Package cache implements the generation-counter cache used for expensive derived views
// (calendar feed, dashboard statistics). Entries are never deleted on invalidation: a write
// increments the generation counter of the affected (family, organization) pair, every
// later read builds its key from the new generation, and the old entries are orphaned
// until their TTL expires.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCacheStoreUnavailable marks every failure of the backing store. The engine never
// surfaces it to readers; reads fall back to computing the value directly.
var ErrCacheStoreUnavailable = errors.New("cache store unavailable")

// Store is the key/value backend of the engine. Incr must be atomic across every
// process sharing the store.
type Store interface {
	// Incr atomically increments the integer at key (missing counts as 0) and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value at key. A ttl of 0 means the key never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrCacheStoreUnavailable, op, key, err)
}

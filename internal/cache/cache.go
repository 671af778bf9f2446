// Package cache defines the worker's view of the distributed cache used to
// memoize recently fetched code archives (spec.md §6, external
// collaborator).
package cache

import (
	"context"
	"time"
)

// Cache is a binary get/setex store keyed by string.
type Cache interface {
	// Get returns the cached value and true on hit, or (nil, false, nil)
	// on a clean miss. A non-nil error indicates the cache itself failed
	// (connection error, etc) — callers treat this as a miss and fall
	// back to origin (spec.md §7, CacheError).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// SetEX stores val under key with the given TTL.
	SetEX(ctx context.Context, key string, ttl time.Duration, val []byte) error
}

// DefaultTTL is the recommended cache lifetime for fetched archives
// (spec.md §4.3).
const DefaultTTL = 600 * time.Second

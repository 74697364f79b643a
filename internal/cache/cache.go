// Package cache provides in-memory caching of parsed rule templates.
package cache

import (
	"context"
	"time"
)

// Cache is the interface for keyed in-memory caching.
type Cache[V any] interface {
	// Get retrieves a cached value by key.
	Get(ctx context.Context, key string) (V, bool)
	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, val V, ttl time.Duration)
	// Purge removes all cached values.
	Purge(ctx context.Context)
	// GetOrLoad returns the cached value for key, or calls load, caches its
	// result for ttl and returns it. hit reports whether load was skipped.
	// Concurrent misses for one key share a single load; errors are not cached.
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func() (V, error)) (val V, hit bool, err error)
}

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"
)

// entry wraps a cached value with its expiration time.
type entry[V any] struct {
	val       V
	expiresAt time.Time
}

// Memory is an in-memory W-TinyLFU cache backed by otter.
type Memory[V any] struct {
	cache *otter.Cache[string, entry[V]]
	loads singleflight.Group
}

// NewMemory creates an in-memory cache with the given max entry count and default TTL.
func NewMemory[V any](maxSize int, defaultTTL time.Duration) (*Memory[V], error) {
	c, err := otter.New[string, entry[V]](&otter.Options[string, entry[V]]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry[V]](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory[V]{cache: c}, nil
}

// Get retrieves a value from the cache if present and not expired.
func (m *Memory[V]) Get(_ context.Context, key string) (V, bool) {
	var zero V
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		return zero, false
	}
	return e.val, true
}

// Set stores a value with per-entry TTL.
func (m *Memory[V]) Set(_ context.Context, key string, val V, ttl time.Duration) {
	m.cache.Set(key, entry[V]{
		val:       val,
		expiresAt: time.Now().Add(ttl),
	})
}

// Purge removes all values from the cache.
func (m *Memory[V]) Purge(_ context.Context) {
	m.cache.InvalidateAll()
}

// GetOrLoad implements Cache.
func (m *Memory[V]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func() (V, error)) (V, bool, error) {
	if v, ok := m.Get(ctx, key); ok {
		return v, true, nil
	}
	res, err, _ := m.loads.Do(key, func() (any, error) {
		v, err := load()
		if err != nil {
			return nil, err
		}
		m.Set(ctx, key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return res.(V), false, nil
}

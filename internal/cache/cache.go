// Package cache provides a bounded in-process TTL cache backed by otter's
// W-TinyLFU eviction. It serves as the L1 tier in front of the shared cache
// store for sessions, permission grants, and role lists.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time. Per-entry TTLs can be
// shorter than the cache-wide default, so expiry is checked on read.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a bounded in-memory cache with per-entry TTLs.
type TTL[V any] struct {
	cache      *otter.Cache[string, entry[V]]
	defaultTTL time.Duration
}

// NewTTL creates a cache holding at most maxSize entries, each expiring after
// defaultTTL unless SetTTL overrides it.
func NewTTL[V any](maxSize int, defaultTTL time.Duration) (*TTL[V], error) {
	c, err := otter.New[string, entry[V]](&otter.Options[string, entry[V]]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry[V]](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &TTL[V]{cache: c, defaultTTL: defaultTTL}, nil
}

// Get returns the value at key if present and unexpired.
func (t *TTL[V]) Get(key string) (V, bool) {
	e, ok := t.cache.GetIfPresent(key)
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		t.cache.Invalidate(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value with the cache default TTL.
func (t *TTL[V]) Set(key string, val V) {
	t.SetTTL(key, val, t.defaultTTL)
}

// SetTTL stores a value with an explicit per-entry TTL.
func (t *TTL[V]) SetTTL(key string, val V, ttl time.Duration) {
	t.cache.Set(key, entry[V]{value: val, expiresAt: time.Now().Add(ttl)})
}

// Delete removes a value.
func (t *TTL[V]) Delete(key string) {
	t.cache.Invalidate(key)
}

// Purge removes all values.
func (t *TTL[V]) Purge() {
	t.cache.InvalidateAll()
}

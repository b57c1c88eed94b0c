// Package keycache provides the in-process cache for unwrapped secret
// material: TTL expiry, an optional LRU capacity bound, and single-flight
// collapsing so a burst of misses on one key produces exactly one call to
// the loader.
//
// The cache is never authoritative. Every value it holds is re-derivable
// from the authority plus the metadata store, so dropping it at any point
// is always safe.
package keycache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Cache is a single-flight TTL cache. The zero value is not usable; use New.
type Cache[V any] struct {
	entries *expirable.LRU[string, V]
	flights singleflight.Group

	// gens carries a per-key invalidation generation. A loader flight
	// records the generation it started under and only stores its result
	// if no invalidation happened in the meantime, so a load that was
	// already in flight when Invalidate ran cannot resurrect the entry.
	mu   sync.Mutex
	gens map[string]uint64
}

// New creates a cache holding at most size entries for at most ttl each.
// A size of 0 means no capacity bound; eviction is then TTL-only.
func New[V any](size int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		entries: expirable.NewLRU[string, V](size, nil, ttl),
		gens:    make(map[string]uint64),
	}
}

// Get returns a live entry without invoking any loader.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.entries.Get(key)
}

// GetOrLoad returns the live entry for key, or invokes loader to produce
// it. Concurrent callers missing on the same key share one in-flight
// loader call and its result.
//
// Only a successful loader result is ever stored; a failed or cancelled
// load leaves no entry behind, and every waiter attached to that flight
// observes the same error. A caller whose own context expires while
// waiting detaches and gets the context error; the flight itself is
// forgotten so the next caller starts fresh. The loaded value is still
// returned to callers when an invalidation raced the flight, but it is
// not stored.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, loader func(context.Context) (V, error)) (V, error) {
	if v, ok := c.entries.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	gen := c.gens[key]
	c.gens[key] = gen
	c.mu.Unlock()

	ch := c.flights.DoChan(key, func() (any, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gens[key] == gen {
			c.entries.Add(key, v)
		}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		c.flights.Forget(key)
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Add stores a value directly, bypassing any loader.
func (c *Cache[V]) Add(key string, value V) {
	c.entries.Add(key, value)
}

// Invalidate removes an entry immediately, regardless of its TTL, and
// keeps any in-flight load for the key from storing its result.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	c.gens[key]++
	c.mu.Unlock()
	c.entries.Remove(key)
	c.flights.Forget(key)
}

// InvalidatePrefix removes every entry whose key starts with prefix.
// Used when a key id is destroyed and all of its versions must go at once.
func (c *Cache[V]) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	for key := range c.gens {
		if strings.HasPrefix(key, prefix) {
			c.gens[key]++
			c.flights.Forget(key)
		}
	}
	c.mu.Unlock()
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
			c.flights.Forget(key)
		}
	}
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	for key := range c.gens {
		c.gens[key]++
	}
	c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	return c.entries.Len()
}

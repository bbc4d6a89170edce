// Package infocache implements the gateway's in-memory, per-canonical-index
// TTL cache of info artifacts (spec.md §4.2).
package infocache

import (
	"sync"
	"time"

	"github.com/fschiettecatte/mps-sub005/lwps"
)

type key struct {
	indexName string
	kind      lwps.InfoKind
}

type entry struct {
	expiresAt time.Time
	payload   interface{}
}

// Cache is the info cache. Safe for concurrent use; a single mutex
// suffices given expected hit rates (spec.md §5 "Shared-resource
// policy").
type Cache struct {
	mu      sync.Mutex
	entries map[key]entry
	ttl     time.Duration

	hits   uint64
	misses uint64
}

// New returns an empty info cache with the given default TTL
// ("gateway-information-cache-timeout", spec.md §6).
func New(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[key]entry), ttl: ttl}
}

// Add is idempotent by (indexName, kind): a pre-existing live entry
// short-circuits to success; otherwise it is inserted (overwriting any
// expired slot for the same key), per spec.md §4.2.
func (c *Cache) Add(indexName string, kind lwps.InfoKind, payload interface{}) {
	c.AddWithTTL(indexName, kind, payload, c.ttl)
}

// AddWithTTL is Add with an explicit TTL, for tests and for callers that
// want a non-default expiry.
func (c *Cache) AddWithTTL(indexName string, kind lwps.InfoKind, payload interface{}, ttl time.Duration) {
	k := key{indexName, kind}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok && time.Now().Before(e.expiresAt) {
		return
	}
	c.entries[k] = entry{expiresAt: time.Now().Add(ttl), payload: payload}
}

// Get returns (payload, true) on a live hit. On a match whose TTL has
// elapsed, the entry is freed and a miss is reported (spec.md §4.2).
func (c *Cache) Get(indexName string, kind lwps.InfoKind) (interface{}, bool) {
	k := key{indexName, kind}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		c.misses++
		return nil, false
	}
	if !time.Now().Before(e.expiresAt) {
		delete(c.entries, k)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.payload, true
}

// FreeCache releases every payload and clears the cache (spec.md §4.2
// free_cache, used at gateway teardown/reinit).
func (c *Cache) FreeCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[key]entry)
}

// Stats returns cumulative hit/miss counters, for the admin/metrics
// surface.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

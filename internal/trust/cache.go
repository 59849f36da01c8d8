package trust

import (
	"sync"
	"sync/atomic"
	"time"
)

// Default freshness windows used when a response declares no next update.
const (
	DefaultOCSPFreshness = time.Hour
	DefaultCRLFreshness  = 24 * time.Hour
)

// Status is a revocation verdict.
type Status int

// Revocation statuses.
const (
	StatusUnknown Status = iota
	StatusGood
	StatusRevoked
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

type cacheEntry[V any] struct {
	value      V
	cachedAt   time.Time
	nextUpdate time.Time
}

// fresh applies the declared next update when present, else the fixed window.
func (e cacheEntry[V]) fresh(now time.Time, window time.Duration) bool {
	if !e.nextUpdate.IsZero() {
		return now.Before(e.nextUpdate)
	}
	return now.Sub(e.cachedAt) < window
}

// revocationCache is a reader/writer locked map whose stale entries read as absent.
type revocationCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	window  time.Duration
	now     func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newRevocationCache[V any](window time.Duration, now func() time.Time) *revocationCache[V] {
	if now == nil {
		now = time.Now
	}
	return &revocationCache[V]{
		entries: make(map[string]cacheEntry[V]),
		window:  window,
		now:     now,
	}
}

func (c *revocationCache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && entry.fresh(c.now(), c.window) {
		c.hits.Add(1)
		return entry.value, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

func (c *revocationCache[V]) put(key string, value V, nextUpdate time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[V]{value: value, cachedAt: c.now(), nextUpdate: nextUpdate}
}

func (c *revocationCache[V]) cleanup() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !entry.fresh(now, c.window) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *revocationCache[V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *revocationCache[V]) stats() CacheCounters {
	hits, misses := c.hits.Load(), c.misses.Load()
	return CacheCounters{Hits: hits, Misses: misses, Size: c.len(), HitRate: hitRate(hits, misses)}
}

// CacheCounters describes one cache.
type CacheCounters struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hitRate"`
}

// CacheStats describes both revocation caches.
type CacheStats struct {
	OCSP CacheCounters `json:"ocsp"`
	CRL  CacheCounters `json:"crl"`
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// OCSPCache caches OCSP verdicts keyed by certificate serial.
type OCSPCache struct {
	c *revocationCache[Status]
}

// NewOCSPCache creates an OCSP cache. A zero window selects DefaultOCSPFreshness.
func NewOCSPCache(window time.Duration, now func() time.Time) *OCSPCache {
	if window <= 0 {
		window = DefaultOCSPFreshness
	}
	return &OCSPCache{c: newRevocationCache[Status](window, now)}
}

// Get returns the cached status for serial if it is still authoritative.
func (o *OCSPCache) Get(serial string) (Status, bool) {
	return o.c.get(serial)
}

// Put records a verdict for serial. A zero nextUpdate falls back to the fixed window.
func (o *OCSPCache) Put(serial string, status Status, nextUpdate time.Time) {
	o.c.put(serial, status, nextUpdate)
}

// Cleanup removes stale entries and returns how many were dropped.
func (o *OCSPCache) Cleanup() int { return o.c.cleanup() }

// Len returns the number of stored entries, fresh or not.
func (o *OCSPCache) Len() int { return o.c.len() }

// Stats returns hit/miss counters.
func (o *OCSPCache) Stats() CacheCounters { return o.c.stats() }

// CRLCache caches revoked-serial sets keyed by distribution point URL.
type CRLCache struct {
	c *revocationCache[map[string]struct{}]
}

// NewCRLCache creates a CRL cache. A zero window selects DefaultCRLFreshness.
func NewCRLCache(window time.Duration, now func() time.Time) *CRLCache {
	if window <= 0 {
		window = DefaultCRLFreshness
	}
	return &CRLCache{c: newRevocationCache[map[string]struct{}](window, now)}
}

// Contains looks up serial in the list cached for url. ok is false on a miss.
func (r *CRLCache) Contains(url, serial string) (revoked, ok bool) {
	set, ok := r.c.get(url)
	if !ok {
		return false, false
	}
	_, revoked = set[serial]
	return revoked, true
}

// Put stores the revoked set for url. The set must not be modified afterwards.
func (r *CRLCache) Put(url string, revoked map[string]struct{}, nextUpdate time.Time) {
	r.c.put(url, revoked, nextUpdate)
}

// Cleanup removes stale entries and returns how many were dropped.
func (r *CRLCache) Cleanup() int { return r.c.cleanup() }

// Len returns the number of stored entries, fresh or not.
func (r *CRLCache) Len() int { return r.c.len() }

// Stats returns hit/miss counters.
func (r *CRLCache) Stats() CacheCounters { return r.c.stats() }

package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
)

// DefaultFragmentCacheSize bounds the number of cached fragment resolutions.
const DefaultFragmentCacheSize = 1024

// CacheStats is a snapshot of fragment cache accounting.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	HitRate float64
	Size    int
}

type cacheKey struct {
	name   string
	digest string
}

type cachedFragment struct {
	fields []string
	// height is the number of selection levels the fragment spans.
	height int
}

// FragmentCache holds resolved fragment field lists across requests. Entries
// are keyed by fragment name and a digest of the formatted definitions of
// every fragment it reaches, so redefining or dropping any of them misses.
type FragmentCache struct {
	mu         sync.RWMutex
	entries    map[cacheKey]cachedFragment
	maxEntries int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewFragmentCache creates a cache holding at most maxEntries resolutions.
// A non-positive size selects DefaultFragmentCacheSize.
func NewFragmentCache(maxEntries int) *FragmentCache {
	if maxEntries <= 0 {
		maxEntries = DefaultFragmentCacheSize
	}
	return &FragmentCache{
		entries:    make(map[cacheKey]cachedFragment),
		maxEntries: maxEntries,
	}
}

func (c *FragmentCache) get(key cacheKey) (cachedFragment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

func (c *FragmentCache) put(key cacheKey, fields []string, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxEntries {
		// Evict an arbitrary entry.
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = cachedFragment{
		fields: append([]string(nil), fields...),
		height: height,
	}
}

// Len returns the number of cached resolutions.
func (c *FragmentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry and resets the counters.
func (c *FragmentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[cacheKey]cachedFragment)
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns hit and miss counts and the current size.
func (c *FragmentCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := CacheStats{Hits: hits, Misses: misses, Size: c.Len()}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// fragmentDigest hashes the canonical formatting of one fragment definition.
func fragmentDigest(def *ast.FragmentDefinition) string {
	var b strings.Builder
	formatter.NewFormatter(&b).FormatQueryDocument(&ast.QueryDocument{
		Fragments: ast.FragmentDefinitionList{def},
	})
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

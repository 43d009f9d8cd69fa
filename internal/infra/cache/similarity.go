// Package cache provides the similarity cache: completed generation results
// keyed by request fingerprint, so a resubmitted prompt with identical
// options returns the prior artifact without spending GPU time.
// Hash map + doubly-linked list, all operations O(1), bounded by a byte
// budget with LRU eviction.
package cache

import (
	"container/list"
	"sync"

	"github.com/kiln-media/kiln/internal/domain"
	"github.com/kiln-media/kiln/internal/infra/metrics"
)

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Entries     int   `json:"entries"`
	SizeBytes   int64 `json:"size_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
}

// Similarity caches results by fingerprint with LRU eviction under a byte budget.
type Similarity struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	budget  int64
	used    int64

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	fingerprint string
	result      domain.Result
	sizeBytes   int64
}

// NewSimilarity creates a cache bounded at budgetBytes.
func NewSimilarity(budgetBytes int64) *Similarity {
	if budgetBytes < 1 {
		budgetBytes = 1
	}
	return &Similarity{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		budget:  budgetBytes,
	}
}

// Get returns the cached result for fingerprint, marking the entry
// most-recently-used on hit.
func (c *Similarity) Get(fingerprint string) (domain.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fingerprint]
	if !ok {
		c.misses++
		metrics.CacheMisses.Inc()
		return domain.Result{}, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	metrics.CacheHits.Inc()
	return elem.Value.(*cacheEntry).result, true
}

// Put stores a completed result under fingerprint, evicting least-recently-used
// entries until the byte budget holds. A result larger than the whole budget
// is not cached at all; evicting everything for one oversized entry would
// empty the cache for no lasting benefit.
func (c *Similarity) Put(fingerprint string, res domain.Result) {
	size := res.SizeBytes
	if size < 1 {
		size = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.budget {
		return
	}

	// Replace an existing entry in place.
	if elem, ok := c.entries[fingerprint]; ok {
		entry := elem.Value.(*cacheEntry)
		c.used += size - entry.sizeBytes
		entry.result = res
		entry.sizeBytes = size
		c.lru.MoveToFront(elem)
	} else {
		entry := &cacheEntry{fingerprint: fingerprint, result: res, sizeBytes: size}
		c.entries[fingerprint] = c.lru.PushFront(entry)
		c.used += size
	}

	for c.used > c.budget && c.lru.Len() > 1 {
		c.evictOne()
	}
	metrics.CacheBytes.Set(float64(c.used))
}

// evictOne removes the least-recently-used entry.
func (c *Similarity) evictOne() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, entry.fingerprint)
	c.used -= entry.sizeBytes
	c.evictions++
	metrics.CacheEvictions.Inc()
}

// Invalidate drops a single fingerprint. Returns false if absent.
func (c *Similarity) Invalidate(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fingerprint]
	if !ok {
		return false
	}
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, fingerprint)
	c.used -= entry.sizeBytes
	metrics.CacheBytes.Set(float64(c.used))
	return true
}

// Len returns the number of cached results.
func (c *Similarity) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// SizeBytes returns the bytes currently held.
func (c *Similarity) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Stats returns a snapshot of cache counters.
func (c *Similarity) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.lru.Len(),
		SizeBytes:   c.used,
		BudgetBytes: c.budget,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
	}
}

package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// Cache defaults.
const (
	DefaultCacheTTL        = time.Hour
	DefaultCacheMaxEntries = 1000
)

type cacheEntry struct {
	owner     string
	records   record.Set
	expiresAt time.Time
}

// Cache is a thread-safe owner -> record set cache with TTL and LRU eviction.
//
// Each owner has a generation counter bumped by every Set and Delete. A loader
// captures the generation before reading the backend and installs its result
// with SetIfGeneration, so a load that raced a write is discarded.
//
// The cache stores its own deep copies; callers never share records with it.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*list.Element
	lru         *list.List // front is most recently used
	generations map[string]uint64
	ttl         time.Duration
	maxEntries  int
	now         func() time.Time
	metrics     *Metrics
}

// NewCache creates a cache. Non-positive arguments select the defaults.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	return &Cache{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		generations: make(map[string]uint64),
		ttl:         ttl,
		maxEntries:  maxEntries,
		now:         time.Now,
	}
}

// SetMetrics attaches optional metrics.
func (c *Cache) SetMetrics(m *Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// SetClock replaces the wall clock used for expiry. For tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns a deep copy of the owner's records if present and unexpired.
// Expired entries are removed.
func (c *Cache) Get(owner string) (record.Set, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[owner]
	if !ok {
		c.metrics.recordMiss()
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.remove(elem)
		c.metrics.recordMiss()
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.metrics.recordHit()
	return entry.records.Clone(), true
}

// Generation returns the owner's current generation.
func (c *Cache) Generation(owner string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[owner]
}

// Set stores a copy of records and bumps the owner's generation.
func (c *Cache) Set(owner string, records record.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[owner]++
	c.install(owner, records)
}

// SetIfGeneration stores records only if no Set or Delete happened since gen
// was read. It reports whether the entry was installed.
func (c *Cache) SetIfGeneration(owner string, gen uint64, records record.Set) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[owner] != gen {
		return false
	}
	c.install(owner, records)
	return true
}

// Delete drops the owner's entry and bumps its generation.
func (c *Cache) Delete(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[owner]++
	if elem, ok := c.entries[owner]; ok {
		c.remove(elem)
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for owner := range c.entries {
		c.generations[owner]++
	}
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.metrics.setSize(0)
}

// Len returns the number of cached owners, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// install must be called with the lock held.
func (c *Cache) install(owner string, records record.Set) {
	entry := &cacheEntry{
		owner:     owner,
		records:   records.Clone(),
		expiresAt: c.now().Add(c.ttl),
	}
	if elem, ok := c.entries[owner]; ok {
		elem.Value = entry
		c.lru.MoveToFront(elem)
		return
	}
	if len(c.entries) >= c.maxEntries {
		if oldest := c.lru.Back(); oldest != nil {
			c.remove(oldest)
		}
	}
	c.entries[owner] = c.lru.PushFront(entry)
	c.metrics.setSize(len(c.entries))
}

// remove drops elem from the cache. Caller holds the lock.
func (c *Cache) remove(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.entries, elem.Value.(*cacheEntry).owner)
	c.metrics.setSize(len(c.entries))
}

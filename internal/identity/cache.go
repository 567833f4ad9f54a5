package identity

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// CacheEntry is one stored identity-resolution result.
type CacheEntry struct {
	LookupKey string
	AccountID string
	Method    workflow.AssignmentMethod
	ExpiresAt time.Time
}

// Cache is a concurrency-safe TTL store for resolution results. Entries are
// evicted lazily on read; no workflow owns an entry's lifecycle.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewCache creates a cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]CacheEntry),
	}
}

// Get returns a live entry for key, or false on miss or expiry.
func (c *Cache) Get(key string) (CacheEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return CacheEntry{}, false
	}
	if c.now().After(e.ExpiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: another goroutine may have
		// refreshed the entry since we read it.
		if cur, still := c.entries[key]; still && c.now().After(cur.ExpiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return CacheEntry{}, false
	}
	return e, true
}

// Set stores a resolution result under key with a fresh TTL.
func (c *Cache) Set(key, accountID string, method workflow.AssignmentMethod) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = CacheEntry{
		LookupKey: key,
		AccountID: accountID,
		Method:    method,
		ExpiresAt: c.now().Add(c.ttl),
	}
}

// GetOrSet returns the live entry for key if present, otherwise stores the
// given result and returns it. The check and store are atomic.
func (c *Cache) GetOrSet(key, accountID string, method workflow.AssignmentMethod) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !c.now().After(e.ExpiresAt) {
		return e, true
	}
	e := CacheEntry{
		LookupKey: key,
		AccountID: accountID,
		Method:    method,
		ExpiresAt: c.now().Add(c.ttl),
	}
	c.entries[key] = e
	return e, false
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

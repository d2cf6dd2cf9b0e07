package dns

import (
	"net"
	"time"

	"github.com/google/btree"
)

// CacheEntry is one cached address.
type CacheEntry struct {
	Name   string
	IP     net.IP
	TTL    time.Duration
	Stored time.Time
}

// Fresh reports whether the entry is still usable at now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.Stored) < e.TTL
}

func olderEntry(a, b *CacheEntry) bool {
	if !a.Stored.Equal(b.Stored) {
		return a.Stored.Before(b.Stored)
	}
	return a.Name < b.Name
}

// Cache is a fixed-capacity name to address cache. When full, inserting a
// new name evicts the entry with the oldest timestamp, fresh or not.
type Cache struct {
	capacity int
	entries  map[string]*CacheEntry
	byAge    *btree.BTreeG[*CacheEntry]
}

// NewCache creates a cache holding up to capacity names.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*CacheEntry, capacity),
		byAge:    btree.NewG[*CacheEntry](2, olderEntry),
	}
}

// Capacity returns the maximum number of entries.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Lookup returns the address cached for name if it is still fresh. A stale
// entry is dropped.
func (c *Cache) Lookup(name string, now time.Time) (net.IP, bool) {
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	if !e.Fresh(now) {
		c.remove(e)
		return nil, false
	}
	return append(net.IP(nil), e.IP...), true
}

// Insert caches ip for name. An existing entry for name is updated in place.
func (c *Cache) Insert(name string, ip net.IP, ttl time.Duration, now time.Time) {
	if e, ok := c.entries[name]; ok {
		c.byAge.Delete(e)
		e.IP = append(net.IP(nil), ip...)
		e.TTL = ttl
		e.Stored = now
		c.byAge.ReplaceOrInsert(e)
		return
	}
	if len(c.entries) >= c.capacity {
		if oldest, ok := c.byAge.Min(); ok {
			c.remove(oldest)
		}
	}
	e := &CacheEntry{Name: name, IP: append(net.IP(nil), ip...), TTL: ttl, Stored: now}
	c.entries[name] = e
	c.byAge.ReplaceOrInsert(e)
}

// Remove drops name from the cache.
func (c *Cache) Remove(name string) {
	if e, ok := c.entries[name]; ok {
		c.remove(e)
	}
}

func (c *Cache) remove(e *CacheEntry) {
	c.byAge.Delete(e)
	delete(c.entries, e.Name)
}

// Clear removes all cache entries
func (c *Cache) Clear() {
	c.entries = make(map[string]*CacheEntry, c.capacity)
	c.byAge.Clear(false)
}

// Len returns the number of entries, fresh or not.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Entries returns copies of all entries, oldest first.
func (c *Cache) Entries() []CacheEntry {
	out := make([]CacheEntry, 0, len(c.entries))
	c.byAge.Ascend(func(e *CacheEntry) bool {
		out = append(out, *e)
		return true
	})
	return out
}

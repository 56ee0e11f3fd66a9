package bucket

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a bounded, TTL-expiring LRU over bucket metadata. It avoids a
// buckets_config lookup on every object operation. Entries are immutable
// snapshots replaced wholesale on update; a metadata write invalidates
// the affected entry rather than waiting for the TTL. The cache is owned
// by the server instance and passed into every operation's context.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	entries    map[string]*list.Element
	order      *list.List
}

type cacheEntry struct {
	name    string
	bucket  []byte // JSON-encoded core.Bucket snapshot
	expires time.Time
}

// NewCache creates a cache holding at most maxEntries buckets for at
// most ttl each.
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Get returns the cached snapshot for a bucket, or nil.
func (c *Cache) Get(name string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[name]
	if !ok {
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.entries, name)
		return nil
	}
	c.order.MoveToFront(elem)
	return entry.bucket
}

// Put stores a snapshot, evicting the least recently used entry on
// overflow.
func (c *Cache) Put(name string, bucket []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{name: name, bucket: bucket, expires: time.Now().Add(c.ttl)}
	if elem, ok := c.entries[name]; ok {
		elem.Value = entry
		c.order.MoveToFront(elem)
		return
	}
	c.entries[name] = c.order.PushFront(entry)
	for len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).name)
	}
}

// Invalidate drops a bucket's entry.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[name]; ok {
		c.order.Remove(elem)
		delete(c.entries, name)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

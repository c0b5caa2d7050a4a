package memory

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry is the in-process copy of a memory entry. Value holds the
// serialized (uncompressed) bytes so cache hits skip both sqlite and zstd.
type cacheEntry struct {
	namespace string
	key       string
	value     []byte
	ttl       time.Duration
	createdAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) >= e.ttl
}

func (e *cacheEntry) size() int64 {
	return int64(len(e.value) + len(e.namespace) + len(e.key))
}

// lruCache bounds both entry count and total byte size. Inserting evicts
// least-recently-used entries until both limits hold again.
type lruCache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	bytes      int64
	order      *list.List // front = most recently used
	items      map[string]*list.Element

	pool      *entryPool
	evictions int64
}

func newLRUCache(maxEntries int, maxBytes int64, pool *entryPool) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		pool:       pool,
	}
}

func cacheKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func (c *lruCache) Get(namespace, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[cacheKey(namespace, key)]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if entry.expired(time.Now()) {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *lruCache) Put(namespace, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ck := cacheKey(namespace, key)
	if el, ok := c.items[ck]; ok {
		entry := el.Value.(*cacheEntry)
		c.bytes -= entry.size()
		entry.value = value
		entry.ttl = ttl
		entry.createdAt = time.Now()
		c.bytes += entry.size()
		c.order.MoveToFront(el)
		c.evictLocked()
		return
	}

	entry := c.pool.get()
	entry.namespace = namespace
	entry.key = key
	entry.value = value
	entry.ttl = ttl
	entry.createdAt = time.Now()

	el := c.order.PushFront(entry)
	c.items[ck] = el
	c.bytes += entry.size()
	c.evictLocked()
}

func (c *lruCache) Delete(namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[cacheKey(namespace, key)]; ok {
		c.removeLocked(el)
	}
}

func (c *lruCache) evictLocked() {
	for (c.maxEntries > 0 && c.order.Len() > c.maxEntries) ||
		(c.maxBytes > 0 && c.bytes > c.maxBytes) {
		el := c.order.Back()
		if el == nil {
			return
		}
		c.removeLocked(el)
		c.evictions++
	}
}

func (c *lruCache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.items, cacheKey(entry.namespace, entry.key))
	c.bytes -= entry.size()
	c.pool.put(entry)
}

// PruneExpired walks the cache dropping entries whose TTL elapsed. Returns
// the number removed.
func (c *lruCache) PruneExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*cacheEntry).expired(now) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeLocked(el)
	}
	return len(expired)
}

func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *lruCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *lruCache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

package cache

import (
	"sync"
	"time"
)

// Item represents a cached value with its idle deadline
type Item[V any] struct {
	Value      V
	Expiration int64
}

// Expired checks if the cache item has expired
func (item Item[V]) Expired(now int64) bool {
	if item.Expiration == 0 {
		return false
	}
	return now > item.Expiration
}

// Cache is a thread-safe in-memory cache with idle expiration. Every Get
// pushes the entry's deadline forward by the idle timeout, so only entries
// that have not been touched for that long are evicted.
type Cache[K comparable, V any] struct {
	items           map[K]Item[V]
	mu              sync.RWMutex
	idleTimeout     time.Duration
	cleanupInterval time.Duration
	maxItems        int
	onEvicted       func(K, V)
	stop            chan struct{}
	stopOnce        sync.Once
}

// Options configures a Cache
type Options struct {
	// IdleTimeout evicts entries not accessed for this long. Zero disables expiry.
	IdleTimeout time.Duration
	// CleanupInterval runs the background sweep. Zero disables the sweeper.
	CleanupInterval time.Duration
	// MaxItems bounds the cache; the entry closest to expiry is evicted first. Zero is unbounded.
	MaxItems int
}

// New creates a cache and starts its sweeper if a cleanup interval is set
func New[K comparable, V any](opts Options) *Cache[K, V] {
	c := &Cache[K, V]{
		items:           make(map[K]Item[V]),
		idleTimeout:     opts.IdleTimeout,
		cleanupInterval: opts.CleanupInterval,
		maxItems:        opts.MaxItems,
		stop:            make(chan struct{}),
	}

	if c.cleanupInterval > 0 {
		go c.startCleanupTimer()
	}

	return c
}

func (c *Cache[K, V]) deadline() int64 {
	if c.idleTimeout <= 0 {
		return 0
	}
	return time.Now().Add(c.idleTimeout).UnixNano()
}

// Set adds or replaces an entry
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictOldest()
	}

	c.items[key] = Item[V]{Value: value, Expiration: c.deadline()}
}

// Get retrieves an entry and refreshes its idle deadline
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	item, found := c.items[key]
	if !found {
		return zero, false
	}

	if item.Expired(time.Now().UnixNano()) {
		c.evict(key, item)
		return zero, false
	}

	item.Expiration = c.deadline()
	c.items[key] = item
	return item.Value, true
}

// Delete removes an entry, running the eviction callback if one is set
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.items[key]; found {
		c.evict(key, item)
	}
}

// Flush removes all items from the cache
func (c *Cache[K, V]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.items {
		c.evict(k, v)
	}
}

// Count returns the number of items in the cache (including expired items)
func (c *Cache[K, V]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// SetOnEvicted sets the callback to be called when an item is evicted
func (c *Cache[K, V]) SetOnEvicted(f func(K, V)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onEvicted = f
}

// Close stops the background sweeper
func (c *Cache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[K, V]) startCleanupTimer() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.DeleteExpired()
		case <-c.stop:
			return
		}
	}
}

// DeleteExpired evicts every entry past its idle deadline
func (c *Cache[K, V]) DeleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	for k, v := range c.items {
		if v.Expired(now) {
			c.evict(k, v)
		}
	}
}

// evict must be called with the lock held
func (c *Cache[K, V]) evict(key K, item Item[V]) {
	delete(c.items, key)
	if c.onEvicted != nil {
		c.onEvicted(key, item.Value)
	}
}

func (c *Cache[K, V]) evictOldest() {
	var (
		oldestKey K
		oldest    Item[V]
		found     bool
	)
	for k, v := range c.items {
		if !found || (v.Expiration != 0 && v.Expiration < oldest.Expiration) {
			oldestKey, oldest, found = k, v, true
		}
	}
	if found {
		c.evict(oldestKey, oldest)
	}
}

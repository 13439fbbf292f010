package cache

import (
	"sync"
	"time"
)

// New creates a TTL cache. The first optional setting is the default
// expiration (1 minute), the second the sweep interval (expiration / 2).
func New[T any](settings ...time.Duration) *Cache[T] {
	expires := time.Minute
	if len(settings) > 0 && settings[0] > 0 {
		expires = settings[0]
	}
	sweep := expires / 2
	if len(settings) > 1 && settings[1] > 0 {
		sweep = settings[1]
	}
	if sweep <= 0 {
		sweep = time.Second
	}

	c := &Cache[T]{
		data:         make(map[string]entry[T]),
		expiresAfter: expires,
		stop:         make(chan struct{}),
	}
	go c.sweepLoop(sweep)
	return c
}

// Cache is a concurrency-safe map whose entries expire.
type Cache[T any] struct {
	mu           sync.RWMutex
	data         map[string]entry[T]
	expiresAfter time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// Set stores value with the default expiration.
func (c *Cache[T]) Set(key string, value T) {
	c.SetWithExp(key, value, c.expiresAfter)
}

// SetWithExp stores value with a custom expiration.
func (c *Cache[T]) SetWithExp(key string, value T, exp time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry[T]{value: value, expiresAt: time.Now().Add(exp)}
}

// Get returns the value for key, or false when missing or expired.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[key]
	if !ok || time.Now().After(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Delete removes key.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops the background sweeper.
func (c *Cache[T]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[T]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
		}
	}
}

func (c *Cache[T]) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

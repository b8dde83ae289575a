package validate

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Key identifies one retry counter.
type Key struct {
	Identity string
	Field    string
}

// RetryCounter counts consecutive validation failures per (identity, field).
// Entries expire after a TTL and the map is capacity-bounded. Nothing here is
// persisted with the task.
type RetryCounter struct {
	mu    sync.Mutex
	max   int
	cache *ttlcache.Cache[Key, int]
}

// NewRetryCounter creates a counter that reports exhaustion on the max-th
// consecutive failure.
func NewRetryCounter(max int, ttl time.Duration, capacity uint64) *RetryCounter {
	if max < 1 {
		max = 1
	}
	opts := []ttlcache.Option[Key, int]{ttlcache.WithTTL[Key, int](ttl)}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[Key, int](capacity))
	}
	return &RetryCounter{max: max, cache: ttlcache.New[Key, int](opts...)}
}

// Max returns the failure count at which retries are exhausted.
func (c *RetryCounter) Max() int { return c.max }

// Fail records one failure and returns the new count. exceeded is true on
// exactly the max-th consecutive failure, after which the counter starts over.
func (c *RetryCounter) Fail(identity, field string) (attempts int, exceeded bool) {
	key := Key{Identity: identity, Field: field}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 1
	if item := c.cache.Get(key); item != nil {
		n = item.Value() + 1
	}
	if n >= c.max {
		c.cache.Delete(key)
		return n, true
	}
	c.cache.Set(key, n, ttlcache.DefaultTTL)
	return n, false
}

// Reset clears the counter after a success.
func (c *RetryCounter) Reset(identity, field string) {
	c.mu.Lock()
	c.cache.Delete(Key{Identity: identity, Field: field})
	c.mu.Unlock()
}

// Attempts returns the current consecutive failure count.
func (c *RetryCounter) Attempts(identity, field string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.cache.Get(Key{Identity: identity, Field: field}); item != nil {
		return item.Value()
	}
	return 0
}

// ResetIdentity clears every counter for identity, e.g. when its task stops.
func (c *RetryCounter) ResetIdentity(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.cache.Keys() {
		if k.Identity == identity {
			c.cache.Delete(k)
		}
	}
}

// Len reports how many counters are live.
func (c *RetryCounter) Len() int { return c.cache.Len() }

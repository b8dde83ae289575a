package task

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

type slotKey struct {
	Identity string
	Role     Role
}

func (k slotKey) String() string { return string(k.Role) + "\x00" + k.Identity }

// CachedStore fronts a durable Store with a bounded, expiring cache of running
// tasks. The durable store stays the source of truth: every write through the
// CachedStore invalidates the affected slot, and concurrent misses for the
// same slot share one load. A load that overlaps an invalidation is returned
// to its callers but not cached.
//
// The cache is per process. With several instances sharing one database, a
// slot may be stale in one of them until its ttl passes; writes stay correct
// because every task write is a compare-and-swap on Version.
type CachedStore struct {
	Store
	running *expirable.LRU[slotKey, *Task]
	loads   singleflight.Group

	mu  sync.Mutex
	gen uint64 // bumped on every invalidation
}

// NewCachedStore wraps inner with a cache of at most size running tasks, each
// kept for at most ttl.
func NewCachedStore(inner Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = 1024
	}
	return &CachedStore{
		Store:   inner,
		running: expirable.NewLRU[slotKey, *Task](size, nil, ttl),
	}
}

// Running serves from cache when possible. Misses (including "no running
// task") go to the durable store.
func (c *CachedStore) Running(ctx context.Context, identity string, role Role) (*Task, error) {
	key := slotKey{Identity: identity, Role: role}
	if t, ok := c.running.Get(key); ok {
		return t.Clone(), nil
	}
	v, err, _ := c.loads.Do(key.String(), func() (any, error) {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()

		t, err := c.Store.Running(ctx, identity, role)
		if err != nil {
			return nil, err
		}
		if t != nil {
			c.mu.Lock()
			if c.gen == gen {
				c.running.Add(key, t.Clone())
			}
			c.mu.Unlock()
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	t, _ := v.(*Task)
	return t.Clone(), nil
}

// Invalidate drops the cached running task for identity and role.
func (c *CachedStore) Invalidate(identity string, role Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.running.Remove(slotKey{Identity: identity, Role: role})
}

// Len reports how many slots are cached.
func (c *CachedStore) Len() int { return c.running.Len() }

func (c *CachedStore) invalidateTask(t *Task) {
	if t != nil {
		c.Invalidate(t.Identity, t.Role)
	}
}

// invalidateID drops whichever cached slot holds task id. Used when a write
// fails and the returned task is unavailable.
func (c *CachedStore) invalidateID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for _, k := range c.running.Keys() {
		if t, ok := c.running.Peek(k); ok && t.ID == id {
			c.running.Remove(k)
		}
	}
}

func (c *CachedStore) Create(ctx context.Context, t *Task) (*Task, error) {
	c.Invalidate(t.Identity, t.Role)
	return c.Store.Create(ctx, t)
}

func (c *CachedStore) Update(ctx context.Context, id string, u Update) (*Task, error) {
	t, err := c.Store.Update(ctx, id, u)
	if err != nil {
		c.invalidateID(id)
		return nil, err
	}
	c.invalidateTask(t)
	return t, nil
}

func (c *CachedStore) Complete(ctx context.Context, id string) (*Task, error) {
	t, err := c.Store.Complete(ctx, id)
	c.invalidateID(id)
	return t, err
}

func (c *CachedStore) Stop(ctx context.Context, id string) (*Task, error) {
	t, err := c.Store.Stop(ctx, id)
	c.invalidateID(id)
	return t, err
}

func (c *CachedStore) StopAllRunning(ctx context.Context, identity string, role Role) (int, error) {
	defer c.Invalidate(identity, role)
	return c.Store.StopAllRunning(ctx, identity, role)
}

func (c *CachedStore) Expire(ctx context.Context, id string) (bool, error) {
	defer c.invalidateID(id)
	return c.Store.Expire(ctx, id)
}

func (c *CachedStore) Reactivate(ctx context.Context, id string) (*Task, error) {
	t, err := c.Store.Reactivate(ctx, id)
	if err != nil {
		return nil, err
	}
	c.invalidateTask(t)
	return t, nil
}

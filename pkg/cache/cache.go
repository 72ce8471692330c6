package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Listing keys used by the pipelines.
const (
	KeyModels = "models"
	KeyScans  = "scans"
	KeyStats  = "stats"
)

const (
	DefaultStaleTime = 2 * time.Minute
	DefaultGCTime    = 10 * time.Minute
	defaultSize      = 128
)

type entry struct {
	value     interface{}
	staleAt   time.Time
	expiresAt time.Time
}

// Cache is a query cache keyed by operation type. Entries become stale
// after the stale window and are dropped after the eviction window.
type Cache struct {
	mu        sync.Mutex
	lru       *expirable.LRU[string, entry]
	staleTime time.Duration
	gcTime    time.Duration
	now       func() time.Time
	inflight  map[string]*call
	// generation is bumped on Invalidate so a fetch that started before
	// the invalidation cannot store its result.
	generation map[string]uint64
}

type call struct {
	done  chan struct{}
	value interface{}
	err   error
}

// New creates a cache. Zero durations use the defaults.
func New(staleTime, gcTime time.Duration) *Cache {
	if staleTime <= 0 {
		staleTime = DefaultStaleTime
	}
	if gcTime <= 0 {
		gcTime = DefaultGCTime
	}
	return &Cache{
		// Per-entry expiry lives in entry.expiresAt.
		lru:        expirable.NewLRU[string, entry](defaultSize, nil, 0),
		staleTime:  staleTime,
		gcTime:     gcTime,
		now:        time.Now,
		inflight:   make(map[string]*call),
		generation: make(map[string]uint64),
	}
}

// WithClock replaces the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Get returns the cached value for key and whether it is stale.
func (c *Cache) Get(key string) (value interface{}, stale bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (interface{}, bool, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, false
	}
	now := c.now()
	if !now.Before(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false, false
	}
	return e.value, !now.Before(e.staleAt), true
}

// Set stores value under key; it is dropped once expiry has elapsed.
func (c *Cache) Set(key string, value interface{}, expiry time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, expiry)
}

func (c *Cache) setLocked(key string, value interface{}, expiry time.Duration) {
	if expiry <= 0 {
		expiry = c.gcTime
	}
	now := c.now()
	c.lru.Add(key, entry{
		value:     value,
		staleAt:   now.Add(c.staleTime),
		expiresAt: now.Add(expiry),
	})
}

// Invalidate forces the next read of key to refetch. A fetch already
// running for key is detached: later callers start a new one.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.lru.Remove(key)
		c.generation[key]++
		delete(c.inflight, key)
	}
}

// Fetch returns the fresh cached value for key or calls fn and caches its
// result. Concurrent fetches of one key share a single fn call.
func (c *Cache) Fetch(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if value, stale, ok := c.getLocked(key); ok && !stale {
		c.mu.Unlock()
		return value, nil
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.value, cl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	gen := c.generation[key]
	c.mu.Unlock()

	cl.value, cl.err = fn(ctx)

	c.mu.Lock()
	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}
	if cl.err == nil && c.generation[key] == gen {
		c.setLocked(key, cl.value, c.gcTime)
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.value, cl.err
}

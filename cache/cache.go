package cache

import (
	"context"
	"sync"
	"time"
)

// FetchCache is a keyed TTL cache with in-flight request coalescing: while a
// producer for a key is running, every other caller for the same key waits on
// that one call instead of issuing its own. Instances are built with New and
// injected; there is no package-level cache.
//
// Entries are only replaced wholesale by key, so a single mutex around the two
// maps is all the synchronization needed.
type FetchCache struct {
	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]*inflight

	now func() time.Time
}

type entry struct {
	value     interface{}
	fetchedAt time.Time
}

type inflight struct {
	done  chan struct{}
	value interface{}
	err   error
}

func New() *FetchCache {
	return &FetchCache{
		entries:  make(map[string]entry),
		inflight: make(map[string]*inflight),
		now:      time.Now,
	}
}

// GetOrFetch returns the cached value for key if it is younger than ttl,
// joins an in-flight fetch if one exists, and otherwise runs producer and
// stores its result. A producer error is returned to the caller and leaves
// any existing entry untouched; callers decide whether stale data is usable.
//
// If ctx is done before the result is available the caller gets ctx.Err()
// and never observes the resolved value, even if the producer succeeds and
// populates the cache for everyone else.
func (c *FetchCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, producer func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < ttl {
		c.mu.Unlock()
		return e.value, nil
	}
	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.value, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	c.inflight[key] = fl
	c.mu.Unlock()

	value, err := producer()

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.entries[key] = entry{value: value, fetchedAt: c.now()}
	}
	c.mu.Unlock()

	fl.value, fl.err = value, err
	close(fl.done)

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return value, nil
}

// Peek returns the cached value for key if it is younger than ttl. It never
// triggers a fetch; batched consumers use it to split hits from misses before
// issuing one combined query.
func (c *FetchCache) Peek(key string, ttl time.Duration) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.fetchedAt) >= ttl {
		return nil, false
	}
	return e.value, true
}

// Store writes a value with a fresh timestamp, replacing any prior entry.
func (c *FetchCache) Store(key string, value interface{}) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate drops the entry for key. An in-flight fetch for the same key is
// unaffected and will repopulate the entry when it lands.
func (c *FetchCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *FetchCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

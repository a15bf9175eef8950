// Package lookup provides the endpoint and credential lookups of the proxy and
// in-memory caching decorators around them.
//
// Caches are single-flight: while a fetch for a key is pending, concurrent
// callers for the same key wait for and share its result instead of issuing
// duplicate calls. Results, including failures, are kept until an expiry that is
// computed per entry when the result is written. Expired entries are evicted
// lazily when they are accessed.
package lookup

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key is implemented by cache keys. String must be distinct for distinct keys.
type Key interface {
	comparable
	String() string
}

// ExpiryFunc computes when a freshly fetched result expires. The zero Time means
// the result never expires; a time at or before now means it is not kept at all.
type ExpiryFunc[V any] func(value V, err error, now time.Time) time.Time

// FetchFunc loads the value for a key from the backing service.
type FetchFunc[K Key, V any] func(ctx context.Context, key K) (V, error)

// Recorder receives cache lookup outcomes, typically for metrics.
type Recorder interface {
	CacheLookup(cache, result string)
}

// Cache lookup outcomes passed to a Recorder.
const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultShared = "shared"
)

type entry[V any] struct {
	value     V
	err       error
	expiresAt time.Time
}

func (e entry[V]) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// Cache is a single-flight, per-entry expiring cache of fetch results.
type Cache[K Key, V any] struct {
	name     string
	fetch    FetchFunc[K, V]
	expiry   ExpiryFunc[V]
	now      func() time.Time
	recorder Recorder

	group singleflight.Group

	mu      sync.RWMutex
	entries map[K]entry[V]
}

// CacheOption configures a Cache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	now      func() time.Time
	recorder Recorder
}

// WithClock replaces the time source of a cache. Intended for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) {
		o.now = now
	}
}

// WithRecorder reports cache lookup outcomes to r.
func WithRecorder(r Recorder) CacheOption {
	return func(o *cacheOptions) {
		o.recorder = r
	}
}

// NewCache creates a cache named name that loads values with fetch and keeps
// them until the time computed by expiry.
func NewCache[K Key, V any](name string, fetch FetchFunc[K, V], expiry ExpiryFunc[V], opts ...CacheOption) *Cache[K, V] {
	o := cacheOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		name:     name,
		fetch:    fetch,
		expiry:   expiry,
		now:      o.now,
		recorder: o.recorder,
		entries:  make(map[K]entry[V]),
	}
}

// Get returns the cached result for key, fetching it if there is no live entry.
// A fetch is never cancelled by ctx because other callers may share it; ctx
// only bounds how long this caller waits.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	if e, ok := c.lookup(key); ok {
		c.record(ResultHit)
		return e.value, e.err
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		// A previous flight may have stored the entry after our lookup.
		if e, ok := c.lookup(key); ok {
			return e, nil
		}
		c.record(ResultMiss)
		value, err := c.fetch(fetchCtx, key)
		e := entry[V]{value: value, err: err}
		c.store(key, e)
		return e, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.record(ResultShared)
		}
		e := res.Val.(entry[V])
		return e.value, e.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Len returns the number of entries, live or not yet evicted.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge removes all entries.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}

func (c *Cache[K, V]) lookup(key K) (entry[V], bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return e, false
	}
	if e.live(now) {
		return e, true
	}

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && !cur.live(now) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return entry[V]{}, false
}

func (c *Cache[K, V]) store(key K, e entry[V]) {
	now := c.now()
	e.expiresAt = c.expiry(e.value, e.err, now)
	if !e.live(now) {
		return
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *Cache[K, V]) record(result string) {
	if c.recorder != nil {
		c.recorder.CacheLookup(c.name, result)
	}
}

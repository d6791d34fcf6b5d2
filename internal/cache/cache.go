// Package cache is the in-memory store shared by the cart and download
// views. Each key has a staleness window chosen by prefix, and optimistic
// changes go through a Transaction so they can be committed or rolled back.
//
// Values are stored as given. Callers must not modify a slice after storing
// it; build a new one instead.
package cache

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// Forever marks keys that never go stale on their own.
const Forever = time.Duration(math.MaxInt64)

type entry struct {
	value   any
	updated time.Time
	invalid bool
}

// Cache is safe for concurrent use.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]entry
	staleness map[string]time.Duration
	now       func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache. Keys without a staleness rule are always stale.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:   make(map[string]entry),
		staleness: make(map[string]time.Duration),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetStaleness sets how long values under prefix stay fresh. The longest
// matching prefix wins.
func (c *Cache) SetStaleness(prefix string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staleness[prefix] = d
}

func (c *Cache) stalenessFor(key string) time.Duration {
	best, d := -1, time.Duration(0)
	for prefix, v := range c.staleness {
		if strings.HasPrefix(key, prefix) && len(prefix) > best {
			best, d = len(prefix), v
		}
	}
	return d
}

func (c *Cache) staleLocked(key string, e entry) bool {
	if e.invalid {
		return true
	}
	d := c.stalenessFor(key)
	if d == Forever {
		return false
	}
	return c.now().Sub(e.updated) >= d
}

// Stale reports whether key is missing, invalidated or past its window.
func (c *Cache) Stale(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return true
	}
	return c.staleLocked(key, e)
}

// Invalidate marks key stale. The value stays readable until replaced.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.invalid = true
		c.entries[key] = e
	}
}

// InvalidatePrefix marks every key under prefix stale.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if strings.HasPrefix(k, prefix) {
			e.invalid = true
			c.entries[k] = e
		}
	}
}

// Remove drops key.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache) load(key string) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *Cache) store(key string, e entry, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.entries[key] = e
	} else {
		delete(c.entries, key)
	}
}

// Get returns the value under key, stale or not.
func Get[T any](c *Cache, key string) (T, bool) {
	e, ok := c.load(key)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := e.value.(T)
	return v, ok
}

// Fresh returns the value under key only while it is fresh.
func Fresh[T any](c *Cache, key string) (T, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	stale := !ok || c.staleLocked(key, e)
	c.mu.RUnlock()

	var zero T
	if stale {
		return zero, false
	}
	v, ok := e.value.(T)
	return v, ok
}

// Set stores v under key and marks it fresh.
func Set[T any](c *Cache, key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: v, updated: c.now()}
}

// Update replaces the value under key with fn(current, present) atomically.
func Update[T any](c *Cache, key string, fn func(cur T, ok bool) T) T {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cur T
	e, ok := c.entries[key]
	if ok {
		cur, ok = e.value.(T)
	}
	next := fn(cur, ok)
	c.entries[key] = entry{value: next, updated: c.now()}
	return next
}

// Load returns the fresh value under key, or calls fn and stores its result.
// When fn fails the cached value is left in place and returned alongside the
// error, so list views keep their last good content.
func Load[T any](ctx context.Context, c *Cache, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := Fresh[T](c, key); ok {
		return v, nil
	}
	return Refresh(ctx, c, key, fn)
}

// Refresh is Load without the freshness check.
func Refresh[T any](ctx context.Context, c *Cache, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err != nil {
		last, _ := Get[T](c, key)
		return last, err
	}
	Set(c, key, v)
	return v, nil
}

package cache

import "sync"

// Transaction is one optimistic change to a single key. Begin records the
// current entry; Rollback puts it back exactly, freshness included.
//
// Commit and Rollback only take effect the first time either is called.
type Transaction[T any] struct {
	c   *Cache
	key string

	prev    entry
	hadPrev bool

	mu      sync.Mutex
	settled bool
}

// Begin snapshots key.
func Begin[T any](c *Cache, key string) *Transaction[T] {
	e, ok := c.load(key)
	return &Transaction[T]{c: c, key: key, prev: e, hadPrev: ok}
}

// Previous returns the snapshot taken by Begin.
func (t *Transaction[T]) Previous() (T, bool) {
	if !t.hadPrev {
		var zero T
		return zero, false
	}
	v, ok := t.prev.value.(T)
	return v, ok
}

// Apply writes fn(current) as the provisional value.
func (t *Transaction[T]) Apply(fn func(cur T) T) {
	Update(t.c, t.key, func(cur T, _ bool) T { return fn(cur) })
}

// Commit stores the confirmed value.
func (t *Transaction[T]) Commit(v T) bool {
	return t.settle(func() { Set(t.c, t.key, v) })
}

// CommitWith stores fn(current) as the confirmed value.
func (t *Transaction[T]) CommitWith(fn func(cur T) T) bool {
	return t.settle(func() { t.Apply(fn) })
}

// RollbackWith undoes only this transaction's own change by storing
// fn(current). Changes other writers made to the key since Begin survive.
func (t *Transaction[T]) RollbackWith(fn func(cur T) T) bool {
	return t.settle(func() { t.Apply(fn) })
}

// Rollback restores the snapshot.
func (t *Transaction[T]) Rollback() bool {
	return t.settle(func() { t.c.store(t.key, t.prev, t.hadPrev) })
}

func (t *Transaction[T]) settle(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled {
		return false
	}
	t.settled = true
	fn()
	return true
}

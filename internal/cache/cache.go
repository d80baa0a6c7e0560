// Package cache provides an in-memory request cache that de-duplicates
// concurrent work per key and keeps completed results.
package cache

import (
	"errors"
	"sync"
)

// ErrPanicked is returned to callers that waited on a computation which
// panicked. The entry is dropped, so the next Do runs again.
var ErrPanicked = errors.New("cache: computation panicked")

// entry is registered before its computation starts, so callers arriving
// while it runs wait on done instead of starting a second computation.
type entry[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Cache maps keys to the result of one computation each. Failures are kept
// like successes until Forget is called.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
}

// New creates an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{entries: make(map[string]*entry[V])}
}

// Do returns the cached result for key, running fn to produce it if no
// caller has asked for key before. Concurrent callers for the same key share
// a single invocation of fn.
func (c *Cache[V]) Do(key string, fn func() (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		<-e.done
		return e.val, e.err
	}
	e := &entry[V]{done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	finished := false
	defer func() {
		if !finished {
			e.err = ErrPanicked
			c.mu.Lock()
			if c.entries[key] == e {
				delete(c.entries, key)
			}
			c.mu.Unlock()
		}
		close(e.done)
	}()
	e.val, e.err = fn()
	finished = true
	return e.val, e.err
}

// Put stores a completed value for key, replacing any completed entry.
// An in-flight entry is left alone.
func (c *Cache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !completed(e) {
		return
	}
	e := &entry[V]{done: make(chan struct{}), val: v}
	close(e.done)
	c.entries[key] = e
}

// Peek returns the value for key if its computation has completed
// successfully, without waiting.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	e, found := c.entries[key]
	c.mu.Unlock()
	if !found || !completed(e) || e.err != nil {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Forget drops the completed entry for key so the next Do runs again.
// It reports false for unknown and in-flight keys.
func (c *Cache[V]) Forget(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !completed(e) {
		return false
	}
	delete(c.entries, key)
	return true
}

// Len returns the number of entries, in flight or completed.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset drops every completed entry.
func (c *Cache[V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if completed(e) {
			delete(c.entries, k)
		}
	}
}

func completed[V any](e *entry[V]) bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

package storage

import (
	"context"
	"sync"
)

// CounterNamespace holds the persisted value of every counter.
const CounterNamespace = "webscience.counters"

// Counter is a persisted, monotonically increasing ID source.
type Counter struct {
	name    string
	storage *KeyValueStorage

	mu     sync.Mutex
	loaded bool
	value  int64
}

// NewCounter returns the counter called name stored in backend.
func NewCounter(backend Backend, name string) *Counter {
	return &Counter{
		name:    name,
		storage: New(backend, CounterNamespace),
	}
}

// Name returns the counter name.
func (c *Counter) Name() string {
	return c.name
}

func (c *Counter) loadLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	var v int64
	if _, err := c.storage.Get(ctx, c.name, &v); err != nil {
		return err
	}
	c.value = v
	c.loaded = true
	return nil
}

// Get returns the current value without incrementing it.
func (c *Counter) Get(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return 0, err
	}
	return c.value, nil
}

// Increment persists and returns the next value. The first value is 1.
// The in-memory value only advances once the new value is stored.
func (c *Counter) Increment(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return 0, err
	}
	next := c.value + 1
	if err := c.storage.Set(ctx, c.name, next); err != nil {
		return 0, err
	}
	c.value = next
	return next, nil
}

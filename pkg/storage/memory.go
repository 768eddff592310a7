package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("backend closed")

// MemoryBackend keeps everything in process memory. Used by tests and by
// studies that export their data before the process exits.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string][]byte)}
}

func (m *MemoryBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return copyBytes(v), true, nil
}

func (m *MemoryBackend) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = copyBytes(value)
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data[namespace], key)
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, namespace string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	entries := make([]Entry, 0, len(m.data[namespace]))
	for k, v := range m.data[namespace] {
		entries = append(entries, Entry{Key: k, Value: copyBytes(v)})
	}
	sortEntries(entries)
	return entries, nil
}

func (m *MemoryBackend) Clear(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, namespace)
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

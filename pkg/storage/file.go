package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const fileFormatVersion = "1.0"

// FileBackend implements Backend using a single JSON file. Values must be JSON
// documents, which is what KeyValueStorage writes.
type FileBackend struct {
	path     string
	data     map[string]map[string]json.RawMessage
	mu       sync.RWMutex
	version  string
	modified bool
	autoSave bool
	closed   bool
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithAutoSave controls whether every write is flushed to disk immediately (default true).
func WithAutoSave(enabled bool) FileOption {
	return func(f *FileBackend) { f.autoSave = enabled }
}

// NewFileBackend opens or creates a JSON file backend.
// If path is empty, defaults to ~/.webscience/storage.json
func NewFileBackend(path string, opts ...FileOption) (*FileBackend, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".webscience", "storage.json")
	}

	f := &FileBackend{
		path:     path,
		data:     make(map[string]map[string]json.RawMessage),
		version:  fileFormatVersion,
		autoSave: true,
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := f.Load(); err != nil {
		return nil, fmt.Errorf("failed to load storage from %s: %w", path, err)
	}
	return f, nil
}

// Load reads the file from disk. A missing file yields an empty store.
func (f *FileBackend) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.data = make(map[string]map[string]json.RawMessage)
			return nil
		}
		return fmt.Errorf("failed to open storage file: %w", err)
	}
	defer file.Close()

	var doc struct {
		Version    string                                `json:"version"`
		Namespaces map[string]map[string]json.RawMessage `json:"namespaces"`
	}
	if err := json.NewDecoder(file).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode storage file: %w", err)
	}

	if doc.Version != "" {
		f.version = doc.Version
	}
	if doc.Namespaces != nil {
		f.data = doc.Namespaces
	} else {
		f.data = make(map[string]map[string]json.RawMessage)
	}
	f.modified = false
	return nil
}

// Save writes the store to disk atomically.
func (f *FileBackend) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked()
}

func (f *FileBackend) saveLocked() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	// Create temp file for atomic write
	tempPath := f.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp storage file: %w", err)
	}

	doc := struct {
		Version    string                                `json:"version"`
		Namespaces map[string]map[string]json.RawMessage `json:"namespaces"`
	}{
		Version:    f.version,
		Namespaces: f.data,
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode storage: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	f.modified = false
	return nil
}

func (f *FileBackend) afterWriteLocked() error {
	f.modified = true
	if f.autoSave {
		return f.saveLocked()
	}
	return nil
}

func (f *FileBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, false, ErrClosed
	}
	v, ok := f.data[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return copyBytes(v), true, nil
}

func (f *FileBackend) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("value for %s/%s is not valid JSON", namespace, key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	ns, ok := f.data[namespace]
	if !ok {
		ns = make(map[string]json.RawMessage)
		f.data[namespace] = ns
	}
	ns[key] = copyBytes(value)
	return f.afterWriteLocked()
}

func (f *FileBackend) Delete(ctx context.Context, namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.data[namespace][key]; !ok {
		return nil
	}
	delete(f.data[namespace], key)
	return f.afterWriteLocked()
}

func (f *FileBackend) List(ctx context.Context, namespace string) ([]Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	entries := make([]Entry, 0, len(f.data[namespace]))
	for k, v := range f.data[namespace] {
		entries = append(entries, Entry{Key: k, Value: copyBytes(v)})
	}
	sortEntries(entries)
	return entries, nil
}

func (f *FileBackend) Clear(ctx context.Context, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	delete(f.data, namespace)
	return f.afterWriteLocked()
}

// Close flushes unsaved changes. Further calls fail with ErrClosed.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	var err error
	if f.modified {
		err = f.saveLocked()
	}
	f.closed = true
	return err
}

// IsModified returns true if the store has unsaved changes.
func (f *FileBackend) IsModified() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.modified
}

// Path returns the file path of the store.
func (f *FileBackend) Path() string {
	return f.path
}

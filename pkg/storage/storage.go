// Package storage persists per-study state in key-value namespaces.
//
// Each study writes to its own namespace (usually the study name). Records are
// keyed by an incrementing numeric ID drawn from a Counter; counter values are
// kept in a separate namespace so IDs survive process restarts.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrStorage matches every error returned by this package via errors.Is.
var ErrStorage = errors.New("storage error")

// StorageError wraps a backend failure with the operation that caused it.
type StorageError struct {
	Op        string
	Namespace string
	Key       string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %s/%s: %v", e.Op, e.Namespace, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Namespace, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStorage) true for every StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func wrapErr(op, namespace, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Namespace: namespace, Key: key, Err: err}
}

// Entry is one stored key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Decode unmarshals the entry value into v.
func (e Entry) Decode(v interface{}) error {
	return json.Unmarshal(e.Value, v)
}

// Backend is the raw byte-level store behind KeyValueStorage.
type Backend interface {
	// Get returns the value and whether it exists
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)

	// Put stores value under key, replacing any previous value
	Put(ctx context.Context, namespace, key string, value []byte) error

	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, namespace, key string) error

	// List returns every entry of namespace sorted by key
	List(ctx context.Context, namespace string) ([]Entry, error)

	// Clear removes every entry of namespace
	Clear(ctx context.Context, namespace string) error

	// Close releases backend resources
	Close() error
}

// KeyValueStorage is a JSON-typed view of one namespace of a Backend.
type KeyValueStorage struct {
	backend   Backend
	namespace string
}

// New returns the storage area for namespace.
func New(backend Backend, namespace string) *KeyValueStorage {
	return &KeyValueStorage{backend: backend, namespace: namespace}
}

// Namespace returns the storage area name.
func (s *KeyValueStorage) Namespace() string {
	return s.namespace
}

// Get decodes the value stored under key into v. It reports false when the key is absent.
func (s *KeyValueStorage) Get(ctx context.Context, key string, v interface{}) (bool, error) {
	raw, ok, err := s.backend.Get(ctx, s.namespace, key)
	if err != nil {
		return false, wrapErr("get", s.namespace, key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, wrapErr("decode", s.namespace, key, err)
	}
	return true, nil
}

// Set encodes v as JSON and stores it under key.
func (s *KeyValueStorage) Set(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return wrapErr("encode", s.namespace, key, err)
	}
	return wrapErr("set", s.namespace, key, s.backend.Put(ctx, s.namespace, key, raw))
}

// Delete removes key.
func (s *KeyValueStorage) Delete(ctx context.Context, key string) error {
	return wrapErr("delete", s.namespace, key, s.backend.Delete(ctx, s.namespace, key))
}

// Clear removes every key in the namespace.
func (s *KeyValueStorage) Clear(ctx context.Context) error {
	return wrapErr("clear", s.namespace, "", s.backend.Clear(ctx, s.namespace))
}

// Entries returns the raw entries of the namespace sorted by key.
func (s *KeyValueStorage) Entries(ctx context.Context) ([]Entry, error) {
	entries, err := s.backend.List(ctx, s.namespace)
	if err != nil {
		return nil, wrapErr("list", s.namespace, "", err)
	}
	return entries, nil
}

// Keys returns the namespace keys in sorted order.
func (s *KeyValueStorage) Keys(ctx context.Context) ([]string, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// ExportJSON returns the namespace as a key → decoded JSON value map.
func (s *KeyValueStorage) ExportJSON(ctx context.Context) (map[string]json.RawMessage, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(entries))
	for _, e := range entries {
		out[e.Key] = json.RawMessage(e.Value)
	}
	return out, nil
}

// RecordKey formats a numeric record ID so that keys sort in ID order.
func RecordKey(id int64) string {
	return fmt.Sprintf("%012d", id)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

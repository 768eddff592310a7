package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	URL   string `json:"url"`
	Count int    `json:"count"`
}

// backends returns one fresh instance of every backend kind.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileBackend(filepath.Join(dir, "storage.json"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteBackend(filepath.Join(dir, "storage.db"))
	require.NoError(t, err)

	out := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   file,
		"sqlite": sqlite,
	}
	t.Cleanup(func() {
		for _, b := range out {
			b.Close()
		}
	})
	return out
}

func TestKeyValueStorage(t *testing.T) {
	ctx := context.Background()

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(backend, "navigation")
			assert.Equal(t, "navigation", s.Namespace())

			var got record
			ok, err := s.Get(ctx, "missing", &got)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, RecordKey(2), record{URL: "https://b.test/", Count: 2}))
			require.NoError(t, s.Set(ctx, RecordKey(1), record{URL: "https://a.test/", Count: 1}))

			ok, err = s.Get(ctx, RecordKey(1), &got)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, record{URL: "https://a.test/", Count: 1}, got)

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{RecordKey(1), RecordKey(2)}, keys)

			exported, err := s.ExportJSON(ctx)
			require.NoError(t, err)
			assert.JSONEq(t, `{"url":"https://b.test/","count":2}`, string(exported[RecordKey(2)]))

			// namespaces are isolated
			other := New(backend, "linkExposure")
			otherKeys, err := other.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, otherKeys)

			require.NoError(t, s.Delete(ctx, RecordKey(1)))
			require.NoError(t, s.Delete(ctx, "never-existed"))
			keys, err = s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{RecordKey(2)}, keys)

			require.NoError(t, s.Clear(ctx))
			keys, err = s.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestCounter(t *testing.T) {
	ctx := context.Background()

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := NewCounter(backend, "navigation.pageId")
			v, err := c.Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), v)

			for want := int64(1); want <= 3; want++ {
				got, err := c.Increment(ctx)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}

			// a second counter instance resumes from the stored value
			resumed := NewCounter(backend, "navigation.pageId")
			got, err := resumed.Increment(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(4), got)

			independent := NewCounter(backend, "other")
			got, err = independent.Increment(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), got)
		})
	}
}

func TestCounterSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "counters.db")

	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	_, err = NewCounter(b, "ids").Increment(ctx)
	require.NoError(t, err)
	_, err = NewCounter(b, "ids").Increment(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := NewCounter(reopened, "ids").Increment(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestFileBackendPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "storage.json")

	b, err := NewFileBackend(path)
	require.NoError(t, err)
	assert.Equal(t, path, b.Path())
	require.NoError(t, New(b, "study").Set(ctx, "k", map[string]int{"v": 1}))
	assert.False(t, b.IsModified())

	_, err = os.Stat(path)
	require.NoError(t, err)

	reopened, err := NewFileBackend(path)
	require.NoError(t, err)
	var got map[string]int
	ok, err := New(reopened, "study").Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, got["v"])
}

func TestFileBackendDeferredSave(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "storage.json")

	b, err := NewFileBackend(path, WithAutoSave(false))
	require.NoError(t, err)
	require.NoError(t, New(b, "study").Set(ctx, "k", 1))
	assert.True(t, b.IsModified())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, b.Close())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestFileBackendRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewFileBackend(path)
	assert.Error(t, err)
}

func TestStorageErrors(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	s := New(b, "study")
	require.NoError(t, b.Close())

	err := s.Set(ctx, "k", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, ErrClosed)

	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "set", se.Op)
	assert.Equal(t, "study", se.Namespace)
	assert.Equal(t, "k", se.Key)

	_, err = NewCounter(b, "ids").Increment(ctx)
	assert.ErrorIs(t, err, ErrStorage)

	err = s.Set(ctx, "bad", func() {})
	assert.ErrorIs(t, err, ErrStorage)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(KindMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	b, err = Open(KindFile, filepath.Join(dir, "s.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, b)

	b, err = Open(KindSQLite, filepath.Join(dir, "s.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteBackend{}, b)
	require.NoError(t, b.Close())

	_, err = Open(KindSQLite, "")
	assert.Error(t, err)
	_, err = Open("redis", "")
	assert.Error(t, err)
}

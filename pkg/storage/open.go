package storage

import (
	"fmt"
)

// Backend kinds accepted by Open.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open creates the backend named by kind at path.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryBackend(), nil
	case KindFile:
		return NewFileBackend(path)
	case KindSQLite:
		if path == "" {
			return nil, fmt.Errorf("sqlite storage requires a path")
		}
		return NewSQLiteBackend(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

package fsxpack

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/jrhy/fsxpack/packed"
)

// Persist is the interface for storing and loading serialized
// containers. A name always identifies the same, immutable content.
type Persist interface {
	// Store makes the given bytes accessible by the given name.
	Store(context.Context, string, []byte) error
	// Load retrieves the previously-stored bytes by the given name.
	Load(context.Context, string) ([]byte, error)
}

var (
	// ErrNotFound is returned by in-memory persistence for unknown names.
	ErrNotFound = errors.New("not found")
	// ErrHashMismatch is returned when loaded bytes do not hash to their name.
	ErrHashMismatch = errors.New("content does not match its name")
)

// StoreConfig controls how a Store persists containers.
type StoreConfig struct {
	// Persist holds the serialized containers. Required.
	Persist Persist

	// Options are used when writing packed roots; nil means
	// packed.DefaultOptions.
	Options *packed.Options

	// Concurrency bounds parallel stores in PutMany. 0 means
	// DefaultConcurrency.
	Concurrency int

	// Logger receives debug events; nil discards them.
	Logger *slog.Logger
}

// CacheConfig controls a Cache.
type CacheConfig struct {
	// Size is the number of entries kept. 0 means DefaultCacheSize.
	Size int

	// Logger receives debug events; nil discards them.
	Logger *slog.Logger
}

const (
	// DefaultCacheSize is the number of entries a Cache keeps by default.
	DefaultCacheSize = 500
	// DefaultConcurrency is the default parallelism of PutMany.
	DefaultConcurrency = 40
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package fsxpack

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jrhy/fsxpack/changes"
	"github.com/jrhy/fsxpack/noderevs"
	"github.com/jrhy/fsxpack/packed"
	"github.com/jrhy/fsxpack/stringtable"
	"github.com/minio/blake2b-simd"
)

// Store writes containers as packed roots into a Persist, naming each
// by the hash of its bytes.
type Store struct {
	persist     Persist
	options     *packed.Options
	concurrency int
	logger      *slog.Logger
}

// NewStore returns a Store for the given configuration.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Persist == nil {
		return nil, errors.New("no persistence mechanism set; set StoreConfig.Persist")
	}
	s := &Store{
		persist:     config.Persist,
		options:     config.Options,
		concurrency: config.Concurrency,
		logger:      config.Logger,
	}
	if s.options == nil {
		s.options = &packed.DefaultOptions
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.logger == nil {
		s.logger = discardLogger()
	}
	return s, nil
}

// Name returns the name under which buf is stored.
func Name(buf []byte) string {
	hashBytes := blake2b.Sum256(buf)
	return base64.RawURLEncoding.EncodeToString(hashBytes[:])
}

// Put builds a packed root with write, marshals it and stores the
// result, returning its name.
func (s *Store) Put(ctx context.Context, write func(*packed.Root)) (string, error) {
	root := packed.NewRoot()
	write(root)
	encoded, err := packed.Marshal(root, s.options)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	name := Name(encoded)
	if err := s.persist.Store(ctx, name, encoded); err != nil {
		return "", fmt.Errorf("persist store %s: %w", name, err)
	}
	s.logger.Debug("stored", "name", name, "bytes", len(encoded))
	return name, nil
}

// Load returns the packed root stored under name, after checking that
// its bytes still hash to name.
func (s *Store) Load(ctx context.Context, name string) (*packed.Root, error) {
	encoded, err := s.persist.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("persist load %s: %w", name, err)
	}
	if got := Name(encoded); got != name {
		return nil, fmt.Errorf("load %s: hashes to %s: %w", name, got, ErrHashMismatch)
	}
	root, err := packed.Unmarshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	s.logger.Debug("loaded", "name", name, "bytes", len(encoded))
	return root, nil
}

// PutMany stores each of writes as its own packed root, running up to
// the configured concurrency at once. Names are returned in the order
// of writes. The first store error, or ctx being done, stops the
// remaining stores.
func (s *Store) PutMany(ctx context.Context, writes []func(*packed.Root)) ([]string, error) {
	names := make([]string, len(writes))
	gate := make(chan interface{}, s.concurrency)
	for i := 0; i < s.concurrency; i++ {
		gate <- nil
	}
	seLock := sync.Mutex{}
	var firstStoreError, cancelled error
	wg := sync.WaitGroup{}
	for i, write := range writes {
		<-gate
		seLock.Lock()
		failed := firstStoreError != nil
		seLock.Unlock()
		if failed {
			gate <- nil
			break
		}
		if cancelled = ctx.Err(); cancelled != nil {
			gate <- nil
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { gate <- nil }()
			name, err := s.Put(ctx, write)
			if err != nil {
				seLock.Lock()
				if firstStoreError == nil {
					firstStoreError = err
				}
				seLock.Unlock()
				return
			}
			names[i] = name
		}()
	}
	wg.Wait()
	if firstStoreError != nil {
		return nil, firstStoreError
	}
	if cancelled != nil {
		return nil, fmt.Errorf("put many: %w", cancelled)
	}
	return names, nil
}

// PutStrings stores a string table on its own.
func (s *Store) PutStrings(ctx context.Context, t *stringtable.Table) (string, error) {
	return s.Put(ctx, func(root *packed.Root) { stringtable.Write(root, t) })
}

// LoadStrings loads a string table stored by PutStrings.
func (s *Store) LoadStrings(ctx context.Context, name string) (*stringtable.Table, error) {
	root, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	t, err := stringtable.Read(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return t, nil
}

// PutChanges stores a change list container.
func (s *Store) PutChanges(ctx context.Context, c *changes.Container) (string, error) {
	return s.Put(ctx, func(root *packed.Root) { changes.Write(root, c) })
}

// LoadChanges loads a change list container stored by PutChanges.
func (s *Store) LoadChanges(ctx context.Context, name string) (*changes.Container, error) {
	root, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	c, err := changes.Read(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return c, nil
}

// PutNodeRevs stores a node revision container.
func (s *Store) PutNodeRevs(ctx context.Context, c *noderevs.Container) (string, error) {
	return s.Put(ctx, func(root *packed.Root) { noderevs.Write(root, c) })
}

// LoadNodeRevs loads a node revision container stored by PutNodeRevs.
func (s *Store) LoadNodeRevs(ctx context.Context, name string) (*noderevs.Container, error) {
	root, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	c, err := noderevs.Read(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return c, nil
}

// LoadThrough returns the container named name from cache, loading it
// with load and caching it on a miss. cache may be nil.
func LoadThrough[T any](
	ctx context.Context,
	cache *Cache[T],
	name string,
	load func(context.Context, string) (T, error),
) (T, error) {
	if cache != nil {
		v, ok, err := cache.Get(name)
		if err != nil || ok {
			return v, err
		}
	}
	v, err := load(ctx, name)
	if err != nil {
		return v, err
	}
	if cache != nil {
		if err := cache.Set(name, v); err != nil {
			return v, err
		}
	}
	return v, nil
}

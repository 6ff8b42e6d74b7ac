package fsxpack

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jrhy/fsxpack/changes"
	"github.com/jrhy/fsxpack/noderevs"
	"github.com/jrhy/fsxpack/stringtable"
)

// Codec converts a container to and from the flat form kept in a Cache.
type Codec[T any] interface {
	Serialize(T) ([]byte, error)
	Deserialize([]byte) (T, error)
}

// StringTableCodec is the Codec for string tables.
type StringTableCodec struct{}

func (StringTableCodec) Serialize(t *stringtable.Table) ([]byte, error) {
	return t.Serialize(), nil
}

func (StringTableCodec) Deserialize(buf []byte) (*stringtable.Table, error) {
	return stringtable.Deserialize(buf)
}

// ChangesCodec is the Codec for change list containers.
type ChangesCodec struct{}

func (ChangesCodec) Serialize(c *changes.Container) ([]byte, error) {
	return changes.Serialize(c)
}

func (ChangesCodec) Deserialize(buf []byte) (*changes.Container, error) {
	return changes.Deserialize(buf)
}

// NodeRevsCodec is the Codec for node revision containers.
type NodeRevsCodec struct{}

func (NodeRevsCodec) Serialize(c *noderevs.Container) ([]byte, error) {
	return noderevs.Serialize(c)
}

func (NodeRevsCodec) Deserialize(buf []byte) (*noderevs.Container, error) {
	return noderevs.Deserialize(buf)
}

// Cache keeps recently used containers in their flat form, so no live
// container is shared through it. One cache can be shared by any
// number of goroutines.
type Cache[T any] struct {
	arc    *lru.ARCCache
	codec  Codec[T]
	logger *slog.Logger
}

// NewCache creates an ARC-based cache of containers handled by codec.
func NewCache[T any](config CacheConfig, codec Codec[T]) *Cache[T] {
	size := config.Size
	if size == 0 {
		size = DefaultCacheSize
	}
	arc, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	logger := config.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &Cache[T]{arc: arc, codec: codec, logger: logger}
}

// Set serializes v and caches it under key.
func (c *Cache[T]) Set(key string, v T) error {
	buf, err := c.codec.Serialize(v)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", key, err)
	}
	c.arc.Add(key, buf)
	c.logger.Debug("cache set", "key", key, "bytes", len(buf))
	return nil
}

// Get returns a fresh copy of the container cached under key.
func (c *Cache[T]) Get(key string) (T, bool, error) {
	var zero T
	buf, ok := c.lookup(key)
	if !ok {
		return zero, false, nil
	}
	v, err := c.codec.Deserialize(buf)
	if err != nil {
		return zero, true, fmt.Errorf("deserialize %s: %w", key, err)
	}
	return v, true, nil
}

// Contains reports whether key is cached, without touching recency.
func (c *Cache[T]) Contains(key string) bool {
	return c.arc.Contains(key)
}

// Len returns the number of cached containers.
func (c *Cache[T]) Len() int {
	return c.arc.Len()
}

func (c *Cache[T]) lookup(key string) ([]byte, bool) {
	v, ok := c.arc.Get(key)
	if !ok {
		c.logger.Debug("cache miss", "key", key)
		return nil, false
	}
	c.logger.Debug("cache hit", "key", key)
	return v.([]byte), true
}

// GetPartial applies f to the flat form cached under key, for reading
// part of a container without deserializing all of it, as
// changes.GetListFromBuffer and noderevs.GetOne do. f must not retain
// or modify the buffer.
func GetPartial[T, R any](c *Cache[T], key string, f func([]byte) (R, error)) (R, bool, error) {
	var zero R
	buf, ok := c.lookup(key)
	if !ok {
		return zero, false, nil
	}
	r, err := f(buf)
	if err != nil {
		return zero, true, fmt.Errorf("partial read of %s: %w", key, err)
	}
	return r, true, nil
}

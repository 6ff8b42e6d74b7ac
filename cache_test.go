package fsxpack

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/jrhy/fsxpack/changes"
	"github.com/jrhy/fsxpack/fstypes"
	"github.com/jrhy/fsxpack/noderevs"
	"github.com/jrhy/fsxpack/stringtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheChanges(t *testing.T) {
	cache := NewCache[*changes.Container](CacheConfig{}, ChangesCodec{})
	c := testChanges(changeList(1, "/a", "/b"), changeList(2, "/c"))
	require.NoError(t, cache.Set("k", c))
	assert.True(t, cache.Contains("k"))
	assert.Equal(t, 1, cache.Len())

	got, ok, err := cache.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotSame(t, c, got)
	want, err := c.GetList(1)
	require.NoError(t, err)
	list, err := got.GetList(1)
	require.NoError(t, err)
	assert.Equal(t, want, list)

	_, ok, err = cache.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachePartialReads(t *testing.T) {
	changeCache := NewCache[*changes.Container](CacheConfig{}, ChangesCodec{})
	require.NoError(t, changeCache.Set("c", testChanges(changeList(1, "/a"), changeList(2, "/b", "/c"))))
	list, ok, err := GetPartial(changeCache, "c", func(buf []byte) ([]fstypes.Change, error) {
		return changes.GetListFromBuffer(buf, 1)
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, changeList(2, "/b", "/c"), list)

	_, ok, err = GetPartial(changeCache, "c", func(buf []byte) ([]fstypes.Change, error) {
		return changes.GetListFromBuffer(buf, 2)
	})
	assert.True(t, ok)
	assert.ErrorIs(t, err, fstypes.ErrContainerIndex)

	nrCache := NewCache[*noderevs.Container](CacheConfig{Size: 2}, NodeRevsCodec{})
	require.NoError(t, nrCache.Set("n", testNodeRevs(nodeRev(1, "/x"), nodeRev(2, "/y"))))
	nr, ok, err := GetPartial(nrCache, "n", func(buf []byte) (*fstypes.NodeRevision, error) {
		return noderevs.GetOne(buf, 1)
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, nodeRev(2, "/y"), nr)

	_, ok, err = GetPartial(nrCache, "absent", func(buf []byte) (*fstypes.NodeRevision, error) {
		t.Fatal("called on a miss")
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheEvicts(t *testing.T) {
	cache := NewCache[*stringtable.Table](CacheConfig{Size: 4}, StringTableCodec{})
	for i := 0; i < 20; i++ {
		b := stringtable.NewBuilder()
		b.AddString(fmt.Sprintf("/path/%d", i))
		require.NoError(t, cache.Set(fmt.Sprint(i), b.Finalize()))
	}
	assert.LessOrEqual(t, cache.Len(), 4)
	assert.True(t, cache.Contains("19"))
	assert.False(t, cache.Contains("0"))
}

func TestCacheLogs(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cache := NewCache[*changes.Container](CacheConfig{Logger: logger}, ChangesCodec{})
	_, _, err := cache.Get("k")
	require.NoError(t, err)
	require.NoError(t, cache.Set("k", testChanges(changeList(1, "/a"))))
	_, _, err = cache.Get("k")
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "cache miss")
	assert.Contains(t, logs.String(), "cache hit")
}

func TestLoadThrough(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewInMemoryStore())
	name, err := s.PutNodeRevs(ctx, testNodeRevs(nodeRev(3, "/z")))
	require.NoError(t, err)
	cache := NewCache[*noderevs.Container](CacheConfig{}, NodeRevsCodec{})

	loads := 0
	load := func(ctx context.Context, name string) (*noderevs.Container, error) {
		loads++
		return s.LoadNodeRevs(ctx, name)
	}
	for i := 0; i < 3; i++ {
		c, err := LoadThrough(ctx, cache, name, load)
		require.NoError(t, err)
		nr, err := c.Get(0)
		require.NoError(t, err)
		assert.Equal(t, nodeRev(3, "/z"), nr)
	}
	assert.Equal(t, 1, loads)

	_, err = LoadThrough(ctx, nil, name, load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)

	_, err = LoadThrough(ctx, cache, "missing", load)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheRejectsCorruptEntry(t *testing.T) {
	cache := NewCache[*changes.Container](CacheConfig{}, ChangesCodec{})
	cache.arc.Add("bad", []byte{1, 2, 3})
	_, ok, err := cache.Get("bad")
	assert.True(t, ok)
	assert.Error(t, err)
}

package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jrhy/fsxpack"
	"github.com/jrhy/fsxpack/packed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

var _ fsxpack.Persist = Persist{}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	p := NewPersistForPath(dir)

	err := p.Store(ctx, "foo", []byte("hello"))
	require.NoError(t, err)
	loaded, err := p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files left behind")
}

func TestStoreKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	p := NewPersistForPath(dir)
	require.NoError(t, p.Store(ctx, "foo", []byte("first")))
	require.NoError(t, p.Store(ctx, "foo", []byte("second")))
	loaded, err := p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), loaded)
}

func TestMissing(t *testing.T) {
	p := NewPersistForPath(t.TempDir())
	_, err := p.Load(ctx, "nope")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRejectsPaths(t *testing.T) {
	dir := t.TempDir()
	p := NewPersistForPath(filepath.Join(dir, "sub"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	for _, name := range []string{"", ".", "..", "../escape", "a/b"} {
		assert.Error(t, p.Store(ctx, name, []byte("x")), name)
		_, err := p.Load(ctx, name)
		assert.Error(t, err, name)
	}
	_, err := os.Stat(filepath.Join(dir, "escape"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWithStore(t *testing.T) {
	s, err := fsxpack.NewStore(fsxpack.StoreConfig{Persist: NewPersistForPath(t.TempDir())})
	require.NoError(t, err)
	name, err := s.Put(ctx, func(root *packed.Root) {
		root.AddByteStream().Add([]byte("payload"))
	})
	require.NoError(t, err)
	root, err := s.Load(ctx, name)
	require.NoError(t, err)
	bs := root.NextByteStream()
	require.NoError(t, bs.Expect("payload", 1))
	assert.Equal(t, []byte("payload"), bs.Get())
}

package fsxpack

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/jrhy/fsxpack/changes"
	"github.com/jrhy/fsxpack/fstypes"
	"github.com/jrhy/fsxpack/packed"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/commands"
	"github.com/stretchr/testify/require"
)

func benchChanges(lists int) *changes.Container {
	b := changes.NewBuilder(lists)
	for i := 0; i < lists; i++ {
		b.Append(changeList(fstypes.Revnum(i),
			fmt.Sprintf("/trunk/src/file%d.go", i),
			fmt.Sprintf("/trunk/src/file%d_test.go", i),
			"/trunk/go.mod"))
	}
	return b.Finalize()
}

func benchmarkPut(lists int, compression packed.Compression, b *testing.B) {
	ctx := context.Background()
	s, err := NewStore(StoreConfig{
		Persist: NewInMemoryStore(),
		Options: &packed.Options{Compression: compression},
	})
	require.NoError(b, err)
	c := benchChanges(lists)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		_, err := s.PutChanges(ctx, c)
		require.NoError(b, err)
	}
}

func BenchmarkPutNone1k(b *testing.B)  { benchmarkPut(1_000, packed.CompressionNone, b) }
func BenchmarkPutLZ41k(b *testing.B)   { benchmarkPut(1_000, packed.CompressionLZ4, b) }
func BenchmarkPutZstd1k(b *testing.B)  { benchmarkPut(1_000, packed.CompressionZstd, b) }
func BenchmarkPutZstd10k(b *testing.B) { benchmarkPut(10_000, packed.CompressionZstd, b) }

func benchmarkLoad(lists int, b *testing.B) {
	ctx := context.Background()
	s, err := NewStore(StoreConfig{Persist: NewInMemoryStore()})
	require.NoError(b, err)
	name, err := s.PutChanges(ctx, benchChanges(lists))
	require.NoError(b, err)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		_, err := s.LoadChanges(ctx, name)
		require.NoError(b, err)
	}
}

func BenchmarkLoad1k(b *testing.B)  { benchmarkLoad(1_000, b) }
func BenchmarkLoad10k(b *testing.B) { benchmarkLoad(10_000, b) }

func benchmarkCachedList(lists int, partial bool, b *testing.B) {
	cache := NewCache[*changes.Container](CacheConfig{}, ChangesCodec{})
	require.NoError(b, cache.Set("c", benchChanges(lists)))
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		idx := n % lists
		if partial {
			_, _, err := GetPartial(cache, "c", func(buf []byte) ([]fstypes.Change, error) {
				return changes.GetListFromBuffer(buf, idx)
			})
			require.NoError(b, err)
			continue
		}
		c, _, err := cache.Get("c")
		require.NoError(b, err)
		_, err = c.GetList(idx)
		require.NoError(b, err)
	}
}

func BenchmarkCachedGet1k(b *testing.B)     { benchmarkCachedList(1_000, false, b) }
func BenchmarkCachedPartial1k(b *testing.B) { benchmarkCachedList(1_000, true, b) }

func BenchmarkExerciser(b *testing.B) {
	parameters := gopter.DefaultTestParametersWithSeed(1593228262585360000)
	parameters.MinSuccessfulTests = b.N
	properties := gopter.NewProperties(parameters)
	properties.Property("store exerciser", commands.Prop(storeCommands))
	out := bytes.NewBuffer(nil)
	reporter := gopter.NewFormatedReporter(false, 98, out)
	require.True(b, properties.Run(reporter))
}

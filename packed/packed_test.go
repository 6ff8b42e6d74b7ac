package packed

import (
	"bytes"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, root *Root, opts *Options) *Root {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, root, opts))
	out, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, 0, buf.Len(), "Read must consume exactly one root")
	return out
}

func TestEmptyRoot(t *testing.T) {
	t.Parallel()
	out := roundTrip(t, NewRoot(), nil)
	require.Equal(t, 0, out.IntStreamCount())
	require.Equal(t, 0, out.ByteStreamCount())
	require.Nil(t, out.NextIntStream())
	require.Nil(t, out.NextByteStream())
}

func TestStreamTopology(t *testing.T) {
	t.Parallel()
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		c := c
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			root := NewRoot()
			offsets := root.AddIntStream(true, false)
			fields := root.AddIntStream(false, false)
			revs := fields.AddSubstream(true, true)
			flags := fields.AddSubstream(false, false)
			blobs := root.AddByteStream()
			for i := 0; i < 1000; i++ {
				offsets.Add(uint64(i * 3))
				revs.AddInt(int64(i%7) - 1)
				flags.Add(uint64(i % 5))
				blobs.Add([]byte("/trunk/some/path"))
			}
			blobs.Add(nil)
			offsets.Add(math.MaxUint64)
			offsets.Add(0)

			out := roundTrip(t, root, &Options{Compression: c})
			offsets = out.NextIntStream()
			fields = out.NextIntStream()
			require.NotNil(t, fields)
			require.Nil(t, out.NextIntStream())
			revs = fields.NextSubstream()
			flags = fields.NextSubstream()
			require.Nil(t, fields.NextSubstream())
			blobs = out.NextByteStream()
			require.NoError(t, offsets.Expect("offsets", 1002))
			require.NoError(t, blobs.Expect("blobs", 1001))
			for i := 0; i < 1000; i++ {
				require.Equal(t, uint64(i*3), offsets.Get())
				require.Equal(t, int64(i%7)-1, revs.GetInt())
				require.Equal(t, uint64(i%5), flags.Get())
				require.Equal(t, []byte("/trunk/some/path"), blobs.Get())
			}
			require.Empty(t, blobs.Get())
			require.Equal(t, uint64(math.MaxUint64), offsets.Get())
			require.Equal(t, uint64(0), offsets.Get())
			require.Equal(t, 0, offsets.Remaining())
			require.Equal(t, uint64(0), offsets.Get(), "drained stream yields zero")
		})
	}
}

func TestConsecutiveRoots(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		root := NewRoot()
		root.AddIntStream(false, false).Add(uint64(i))
		require.NoError(t, Write(&buf, root, nil))
	}
	for i := 0; i < 3; i++ {
		root, err := Read(&buf)
		require.NoError(t, err)
		require.Equal(t, uint64(i), root.NextIntStream().Get())
	}
}

func TestCorruptInput(t *testing.T) {
	t.Parallel()
	root := NewRoot()
	s := root.AddIntStream(false, false)
	for i := 0; i < 100; i++ {
		s.Add(uint64(i))
	}
	good, err := Marshal(root, &Options{Compression: CompressionNone})
	require.NoError(t, err)

	for n := 0; n < len(good); n++ {
		_, err := Unmarshal(good[:n])
		assert.Error(t, err, "truncated to %d bytes", n)
	}
	_, err = Unmarshal(append(append([]byte(nil), good...), 0))
	require.ErrorIs(t, err, ErrCorrupt)

	bad := append([]byte(nil), good...)
	bad[0] = 99
	_, err = Unmarshal(bad)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestExpect(t *testing.T) {
	t.Parallel()
	var missing *IntStream
	require.ErrorIs(t, missing.Expect("x", 0), ErrCorrupt)
	var missingBytes *ByteStream
	require.ErrorIs(t, missingBytes.Expect("x", 0), ErrCorrupt)
	s := NewRoot().AddIntStream(false, false)
	s.Add(1)
	require.NoError(t, s.Expect("x", 1))
	require.ErrorIs(t, s.Expect("x", 2), ErrCorrupt)
}

func TestValuesRoundTripProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("diff and signed streams round trip", prop.ForAll(
		func(values []int64) bool {
			root := NewRoot()
			diff := root.AddIntStream(true, true)
			plain := root.AddIntStream(false, true)
			for _, v := range values {
				diff.AddInt(v)
				plain.AddInt(v)
			}
			buf, err := Marshal(root, nil)
			if err != nil {
				return false
			}
			out, err := Unmarshal(buf)
			if err != nil {
				return false
			}
			diff, plain = out.NextIntStream(), out.NextIntStream()
			for _, v := range values {
				if diff.GetInt() != v || plain.GetInt() != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64()),
	))
	properties.TestingRun(t)
}

package stringtable

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/jrhy/fsxpack/fstypes"
	"github.com/jrhy/fsxpack/packed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRead(t *testing.T, table *Table) *Table {
	root := packed.NewRoot()
	Write(root, table)
	var buf bytes.Buffer
	require.NoError(t, packed.Write(&buf, root, nil))
	root, err := packed.Read(&buf)
	require.NoError(t, err)
	out, err := Read(root)
	require.NoError(t, err)
	return out
}

// allForms returns the finalized table along with its packed round trip,
// its deserialized flat form and an unvalidated view of that form.
func allForms(t *testing.T, table *Table) map[string]*Table {
	deserialized, err := Deserialize(table.Serialize())
	require.NoError(t, err)
	return map[string]*Table{
		"finalized":    table,
		"packed":       writeRead(t, table),
		"deserialized": deserialized,
		"view":         View(table.Serialize()),
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	values := []string{
		"",
		"/trunk",
		"/trunk/foo",
		"/trunk/foo/bar",
		"/trunk/fob",
		"/branches/1.x/foo",
		"/branches/1.x/foo/bar",
		"/tags",
		"/trunk/foo/bar/baz.c",
		"/trunk/foo/bar/baz.h",
		"\x00binary\xff",
		strings.Repeat("x", LongStringThreshold-1),
		strings.Repeat("x", LongStringThreshold),
		strings.Repeat("y", 3*LongStringThreshold),
	}
	b := NewBuilder()
	indexes := make([]Index, len(values))
	for i, v := range values {
		indexes[i] = b.AddString(v)
	}
	require.Equal(t, len(values), b.Len())
	for name, table := range allForms(t, b.Finalize()) {
		for i, v := range values {
			assert.Equal(t, v, table.GetString(indexes[i]), "%s: value %d", name, i)
			assert.Equal(t, len(v), table.Length(indexes[i]), "%s: value %d", name, i)
		}
		assert.Equal(t, len(values), table.Len(), name)
	}
}

func TestInterning(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	for _, n := range []int{0, 1, 100, LongStringThreshold - 1, LongStringThreshold, LongStringThreshold + 1} {
		s := strings.Repeat("a", n)
		first := b.AddString(s)
		second := b.Add([]byte(s))
		require.Equal(t, first, second, "length %d", n)
		require.Equal(t, n >= LongStringThreshold, first.IsLong(), "length %d", n)
	}
	require.Equal(t, 6, b.Len())
}

func TestInterningAcrossSubTables(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	first := b.AddString("/first")
	for i := 0; i < 3*MaxStringsPerTable; i++ {
		b.AddString(fmt.Sprintf("/path/%d", i))
	}
	require.Greater(t, b.SubTables(), 1)
	require.Equal(t, first, b.AddString("/first"))
	require.Equal(t, uint64(0), first.Table())
}

func TestCopyInto(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	i := b.AddString("/trunk/foo")
	table := b.Finalize()
	const n = len("/trunk/foo")

	buf := bytes.Repeat([]byte{'#'}, 20)
	require.Equal(t, n, table.CopyInto(nil, i))
	require.Equal(t, n, table.CopyInto(buf[:0], i))
	require.Equal(t, bytes.Repeat([]byte{'#'}, 20), buf, "length query must not write")

	require.Equal(t, n, table.CopyInto(buf[:n-1], i))
	require.Equal(t, bytes.Repeat([]byte{'#'}, 20), buf, "short buffer must not be written")

	require.Equal(t, n, table.CopyInto(buf[:n], i))
	require.Equal(t, "/trunk/foo##########", string(buf))

	buf = bytes.Repeat([]byte{'#'}, 20)
	require.Equal(t, n, table.CopyInto(buf[:n+1], i))
	require.Equal(t, "/trunk/foo\x00#########", string(buf))
}

func TestBoundsSafety(t *testing.T) {
	t.Parallel()
	empty := NewBuilder().Finalize()
	b := NewBuilder()
	b.AddString("one")
	b.AddString(strings.Repeat("z", LongStringThreshold))
	one := b.Finalize()
	var nilTable *Table

	bad := []Index{
		0, 1, 2,
		LongStringBit, LongStringBit | 1,
		1 << TableShift,
		^Index(0),
	}
	for name, table := range map[string]*Table{"empty": empty, "packed empty": writeRead(t, empty), "one": one, "nil": nilTable} {
		for _, i := range bad {
			if name == "one" && (i == 0 || i == LongStringBit) {
				continue
			}
			assert.Empty(t, table.Get(i), "%s %v", name, i)
			assert.Equal(t, 0, table.Length(i), "%s %v", name, i)
			buf := []byte{'#', '#'}
			assert.Equal(t, 0, table.CopyInto(buf, i), "%s %v", name, i)
			assert.Equal(t, []byte{0, '#'}, buf, "%s %v", name, i)
		}
	}
	require.Equal(t, 0, empty.Len())
	require.Equal(t, 0, writeRead(t, empty).Len())
}

func TestManySubTables(t *testing.T) {
	t.Parallel()
	const n = 3*MaxStringsPerTable + 17
	b := NewBuilder()
	indexes := make([]Index, n)
	for i := range indexes {
		indexes[i] = b.AddString(fmt.Sprintf("/trunk/dir%04d/file%d.txt", i%97, i))
	}
	long := b.AddString(strings.Repeat("L", LongStringThreshold))
	require.GreaterOrEqual(t, b.SubTables(), 4)
	for name, table := range allForms(t, b.Finalize()) {
		require.GreaterOrEqual(t, table.SubTables(), 4, name)
		for i, idx := range indexes {
			require.Equal(t, fmt.Sprintf("/trunk/dir%04d/file%d.txt", i%97, i), table.GetString(idx), "%s: %d at %v", name, i, idx)
		}
		require.Equal(t, LongStringThreshold, table.Length(long), name)
		require.Equal(t, n+1, table.Len(), name)
	}
}

func TestManyLongStrings(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	base := strings.Repeat("-", LongStringThreshold)
	indexes := make([]Index, MaxStringsPerTable+3)
	for i := range indexes {
		indexes[i] = b.AddString(fmt.Sprintf("%d%s", i, base))
	}
	require.Equal(t, 2, b.SubTables())
	require.Equal(t, uint64(1), indexes[MaxStringsPerTable].Table())
	table := b.Finalize()
	for i, idx := range indexes {
		require.Equal(t, fmt.Sprintf("%d%s", i, base), table.GetString(idx))
	}
}

func TestByteBudget(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	r := rand.New(rand.NewSource(1))
	values := map[Index]string{}
	for b.SubTables() < 3 {
		buf := make([]byte, 1000+r.Intn(8000))
		r.Read(buf)
		values[b.Add(buf)] = string(buf)
	}
	for _, st := range b.tables {
		require.GreaterOrEqual(t, st.budget, 0)
		require.LessOrEqual(t, len(st.short), MaxStringsPerTable)
	}
	table := b.Finalize()
	seen := 0
	table.Indexes(func(i Index) bool {
		require.Equal(t, values[i], table.GetString(i), "%v", i)
		seen++
		return true
	})
	require.Equal(t, len(values), seen)
}

func TestPrefixSharing(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	total := 0
	for i := 0; i < 500; i++ {
		s := fmt.Sprintf("/project/trunk/subversion/libsvn_fs_x/file%03d.c", i)
		total += len(s)
		b.AddString(s)
	}
	estimate := b.EstimateSize()
	table := b.Finalize()
	st, ok := table.subTable(0)
	require.True(t, ok)
	require.Less(t, len(st.data), total/5, "shared prefixes should be stored once")
	require.Greater(t, estimate, len(st.data))
	require.Equal(t, 0, b.EstimateSize())
}

func TestEstimateSizeBoundsEncodings(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 1000, 4000} {
		t.Run(fmt.Sprintf("%d paths", n), func(t *testing.T) {
			t.Parallel()
			b := NewBuilder()
			for i := 0; i < n; i++ {
				b.AddString(fmt.Sprintf("/trunk/d/%06d", i))
				if i%97 == 0 {
					b.AddString(strings.Repeat(fmt.Sprintf("long %d ", i), 2000))
				}
			}
			estimate := b.EstimateSize()
			table := b.Finalize()
			require.GreaterOrEqual(t, estimate, len(table.Serialize()))
			root := packed.NewRoot()
			Write(root, table)
			buf, err := packed.Marshal(root, &packed.Options{Compression: packed.CompressionNone})
			require.NoError(t, err)
			require.GreaterOrEqual(t, estimate, len(buf))
		})
	}
}

func TestTailDeduplication(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	values := []string{"f11", "f00", "f10", "f01"}
	for _, v := range values {
		b.AddString(v)
	}
	table := b.Finalize()
	st, _ := table.subTable(0)
	// f00 is stored whole; f01 and f11 both reduce to the tail "1"
	require.Equal(t, "f00110", string(st.data))
	for i, v := range values {
		require.Equal(t, v, table.GetString(makeIndex(0, false, i)))
	}
}

func TestFinalizedBuilderPanics(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	b.AddString("x")
	b.Finalize()
	require.PanicsWithError(t, "stringtable: Add: "+fstypes.ErrFinalized.Error(), func() { b.AddString("y") })
	require.Panics(t, func() { b.Finalize() })
}

func TestDeserializeRejectsDamage(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	for i := 0; i < 200; i++ {
		b.AddString(fmt.Sprintf("/trunk/%d/%d", i%10, i))
	}
	b.AddString(strings.Repeat("q", LongStringThreshold))
	good := b.Finalize().Serialize()
	_, err := Deserialize(good)
	require.NoError(t, err)

	for n := 0; n < len(good); n += 7 {
		_, err := Deserialize(good[:n])
		require.ErrorIs(t, err, fstypes.ErrCorrupt, "truncated at %d", n)
	}

	// make string 1 borrow from itself
	loop := append([]byte(nil), good...)
	st := u32Size * 3
	h1 := st + subTableHeadSize + headerSize
	le.PutUint32(loop[h1:], 1)
	le.PutUint32(loop[h1+4:], 1)
	_, err = Deserialize(loop)
	require.ErrorIs(t, err, fstypes.ErrCorrupt)

	// garbage must never panic or hang when read through a view
	r := rand.New(rand.NewSource(2))
	for k := 0; k < 200; k++ {
		junk := append([]byte(nil), good...)
		for j := 0; j < 10; j++ {
			junk[r.Intn(len(junk))] = byte(r.Intn(256))
		}
		v := View(junk)
		for i := 0; i < 210; i++ {
			v.Get(makeIndex(0, false, i))
			v.CopyInto(make([]byte, 64), makeIndex(0, false, i))
		}
		v.Get(makeIndex(0, true, 0))
	}
}

func TestReadRejectsMissingStreams(t *testing.T) {
	t.Parallel()
	_, err := Read(packed.NewRoot())
	require.ErrorIs(t, err, packed.ErrCorrupt)

	root := packed.NewRoot()
	sizes := root.AddIntStream(false, false)
	sizes.Add(5)
	headers := root.AddIntStream(false, false)
	for i := 0; i < 4; i++ {
		headers.AddSubstream(false, false)
	}
	root.AddByteStream()
	root.AddByteStream()
	_, err = Read(root)
	require.ErrorIs(t, err, fstypes.ErrCorrupt)
}

package stringtable

import (
	"fmt"
	"math"

	"github.com/jrhy/fsxpack/fstypes"
	"github.com/jrhy/fsxpack/packed"
)

// Write adds t to root as two int streams (sizes, headers) followed by
// two byte streams (tail data, long strings). Read must be called on
// the same stream positions.
func Write(root *packed.Root, t *Table) {
	sizes := root.AddIntStream(false, false)
	headers := root.AddIntStream(false, false)
	headRefs := headers.AddSubstream(false, false)
	headLens := headers.AddSubstream(false, false)
	tailOffs := headers.AddSubstream(true, false)
	tailLens := headers.AddSubstream(false, false)
	data := root.AddByteStream()
	long := root.AddByteStream()

	n := t.subTableCount()
	sizes.Add(uint64(n))
	for i := 0; i < n; i++ {
		st, _ := t.subTable(uint64(i))
		sizes.Add(uint64(st.shortCount))
		sizes.Add(uint64(st.longCount))
		for j := 0; j < st.shortCount; j++ {
			h := st.header(j)
			headRefs.Add(uint64(h.headRef))
			headLens.Add(uint64(h.headLen))
			tailOffs.Add(uint64(h.tailOff))
			tailLens.Add(uint64(h.tailLen))
		}
		data.Add(st.data)
		for j := 0; j < st.longCount; j++ {
			start, end, _ := st.longRange(j)
			long.Add(st.long[start:end])
		}
	}
}

// WriteBuilder finalizes b and writes the resulting table.
func WriteBuilder(root *packed.Root, b *Builder) *Table {
	t := b.Finalize()
	Write(root, t)
	return t
}

// Read reconstructs a table written by Write, consuming the next two
// int streams and two byte streams of root.
func Read(root *packed.Root) (*Table, error) {
	sizes := root.NextIntStream()
	headers := root.NextIntStream()
	data := root.NextByteStream()
	long := root.NextByteStream()
	if err := sizes.Expect("string table sizes", 1); err != nil {
		return nil, err
	}
	if err := headers.Expect("string table headers", 0); err != nil {
		return nil, err
	}
	fields := make([]*packed.IntStream, 4)
	for i := range fields {
		fields[i] = headers.NextSubstream()
	}
	for i, f := range fields {
		if err := f.Expect(fmt.Sprintf("string table header field %d", i), 0); err != nil {
			return nil, err
		}
	}
	headRefs, headLens, tailOffs, tailLens := fields[0], fields[1], fields[2], fields[3]
	if err := data.Expect("string table data", 0); err != nil {
		return nil, err
	}
	if err := long.Expect("long strings", 0); err != nil {
		return nil, err
	}

	n := sizes.Get()
	if n > uint64(sizes.Remaining()/2) {
		return nil, fmt.Errorf("%w: %d sub-tables declared, sizes for %d", fstypes.ErrCorrupt, n, sizes.Remaining()/2)
	}
	w := newFlatWriter(int(n))
	for i := 0; i < int(n); i++ {
		shortCount, longCount := sizes.Get(), sizes.Get()
		if shortCount > MaxStringsPerTable || longCount > MaxStringsPerTable {
			return nil, fmt.Errorf("%w: sub-table %d has %d+%d strings", fstypes.ErrCorrupt, i, shortCount, longCount)
		}
		for _, f := range fields {
			if err := f.Expect("string table header field", int(shortCount)); err != nil {
				return nil, err
			}
		}
		hs := make([]header, shortCount)
		for j := range hs {
			var vals [4]uint64
			vals[0], vals[1], vals[2], vals[3] = headRefs.Get(), headLens.Get(), tailOffs.Get(), tailLens.Get()
			for _, v := range vals {
				if v > math.MaxUint32 {
					return nil, fmt.Errorf("%w: header field %d of string %d", fstypes.ErrCorrupt, v, j)
				}
			}
			hs[j] = header{uint32(vals[0]), uint32(vals[1]), uint32(vals[2]), uint32(vals[3])}
		}
		if err := data.Expect("string table data", 1); err != nil {
			return nil, err
		}
		blob := data.Get()
		if err := long.Expect("long strings", int(longCount)); err != nil {
			return nil, err
		}
		longs := make([]string, longCount)
		for j := range longs {
			longs[j] = string(long.Get())
		}
		w.addSubTable(hs, blob, longs)
	}
	t := &Table{buf: w.finish()}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

package changes

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jrhy/fsxpack/fstypes"
	"github.com/jrhy/fsxpack/packed"
	"github.com/jrhy/fsxpack/stringtable"
)

const (
	changeFields = 10

	// packedOverhead bounds the headers of the offsets stream, the
	// changes stream and its substreams. Offsets never take more than
	// u64Size as varints.
	packedOverhead = (changeFields + 2) * (2 + binary.MaxVarintLen32)
)

// Write adds c to root: its string table, then an offsets int stream
// and a changes int stream with one substream per stored field.
func Write(root *packed.Root, c *Container) {
	stringtable.Write(root, c.strings)
	offsets := root.AddIntStream(true, false)
	changes := root.AddIntStream(false, false)
	var f [changeFields]*packed.IntStream
	for i := range f {
		signed := i == 2 || i == 4 || i == 6 || i == 8
		f[i] = changes.AddSubstream(false, signed)
	}

	for _, o := range c.offsets {
		offsets.Add(o)
	}
	for _, b := range c.changes {
		f[0].Add(uint64(b.Flags))
		f[1].Add(uint64(b.Path))
		f[2].AddInt(int64(b.CopyfromRev))
		f[3].Add(uint64(b.CopyfromPath))
		f[4].AddInt(int64(b.NodeID.Revision))
		f[5].Add(b.NodeID.Number)
		f[6].AddInt(int64(b.CopyID.Revision))
		f[7].Add(b.CopyID.Number)
		f[8].AddInt(int64(b.RevID.Revision))
		f[9].Add(b.RevID.Number)
	}
}

// WriteBuilder finalizes b and writes the resulting container.
func WriteBuilder(root *packed.Root, b *Builder) *Container {
	c := b.Finalize()
	Write(root, c)
	return c
}

// Read reconstructs a container written by Write from the next streams
// of root.
func Read(root *packed.Root) (*Container, error) {
	strings, err := stringtable.Read(root)
	if err != nil {
		return nil, fmt.Errorf("read change paths: %w", err)
	}
	offsets := root.NextIntStream()
	changes := root.NextIntStream()
	if err := offsets.Expect("change list offsets", 1); err != nil {
		return nil, err
	}
	if err := changes.Expect("changes", 0); err != nil {
		return nil, err
	}
	var f [changeFields]*packed.IntStream
	for i := range f {
		f[i] = changes.NextSubstream()
	}
	if err := f[0].Expect("change field 0", 0); err != nil {
		return nil, err
	}
	n := f[0].Len()
	for i, s := range f {
		if err := s.Expect(fmt.Sprintf("change field %d", i), n); err != nil {
			return nil, err
		}
	}

	c := &Container{
		strings: strings,
		offsets: make([]uint64, offsets.Len()),
		changes: make([]binaryChange, n),
	}
	for i := range c.offsets {
		c.offsets[i] = offsets.Get()
	}
	for i := range c.changes {
		flags := f[0].Get()
		if flags > math.MaxUint32 {
			return nil, fmt.Errorf("%w: change %d flags %#x", fstypes.ErrCorrupt, i, flags)
		}
		c.changes[i] = binaryChange{
			Flags:        uint32(flags),
			Path:         stringtable.Index(f[1].Get()),
			CopyfromRev:  fstypes.Revnum(f[2].GetInt()),
			CopyfromPath: stringtable.Index(f[3].Get()),
			NodeID:       fstypes.IDPart{Revision: fstypes.Revnum(f[4].GetInt()), Number: f[5].Get()},
			CopyID:       fstypes.IDPart{Revision: fstypes.Revnum(f[6].GetInt()), Number: f[7].Get()},
			RevID:        fstypes.IDPart{Revision: fstypes.Revnum(f[8].GetInt()), Number: f[9].Get()},
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

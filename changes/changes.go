// Package changes stores the changed-path lists of revisions and
// transactions. Every list is appended once to a Builder and is later
// read back by the index Append returned; paths are interned in a
// shared string table.
package changes

import (
	"fmt"

	"github.com/jrhy/fsxpack/fstypes"
	"github.com/jrhy/fsxpack/stringtable"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	flagTextMod = 0x1
	flagPropMod = 0x2
	flagTxnNode = 0x4

	nodeKindShift = 3
	nodeKindMask  = 0x18

	changeKindShift = 5
	changeKindMask  = 0xe0
)

// binaryChange is the stored form of a fstypes.Change. Fields are
// exported for encoding/binary.
type binaryChange struct {
	Flags        uint32
	Path         stringtable.Index
	CopyfromRev  fstypes.Revnum
	CopyfromPath stringtable.Index
	NodeID       fstypes.IDPart
	CopyID       fstypes.IDPart
	RevID        fstypes.IDPart
}

func (c *binaryChange) validate() error {
	if k := fstypes.ChangeKind((c.Flags & changeKindMask) >> changeKindShift); k > fstypes.ChangeReset {
		return fmt.Errorf("%w: change kind %d", fstypes.ErrCorrupt, k)
	}
	if c.Flags&^(flagTextMod|flagPropMod|flagTxnNode|nodeKindMask|changeKindMask) != 0 {
		return fmt.Errorf("%w: change flags %#x", fstypes.ErrCorrupt, c.Flags)
	}
	if c.CopyfromRev < fstypes.InvalidRevnum {
		return fmt.Errorf("%w: copy-from revision %d", fstypes.ErrCorrupt, c.CopyfromRev)
	}
	return nil
}

// packedSize is the number of bytes c takes in the changes stream.
func (c *binaryChange) packedSize() int {
	signed := func(r fstypes.Revnum) int {
		return protowire.SizeVarint(protowire.EncodeZigZag(int64(r)))
	}
	return protowire.SizeVarint(uint64(c.Flags)) +
		protowire.SizeVarint(uint64(c.Path)) +
		signed(c.CopyfromRev) +
		protowire.SizeVarint(uint64(c.CopyfromPath)) +
		signed(c.NodeID.Revision) + protowire.SizeVarint(c.NodeID.Number) +
		signed(c.CopyID.Revision) + protowire.SizeVarint(c.CopyID.Number) +
		signed(c.RevID.Revision) + protowire.SizeVarint(c.RevID.Number)
}

func encode(strings *stringtable.Builder, c *fstypes.Change) binaryChange {
	b := binaryChange{
		Flags:       uint32(c.NodeKind)<<nodeKindShift&nodeKindMask | uint32(c.Kind)<<changeKindShift&changeKindMask,
		Path:        strings.AddString(c.Path),
		CopyfromRev: fstypes.InvalidRevnum,
		NodeID:      c.NodeRevID.NodeID,
		CopyID:      c.NodeRevID.CopyID,
		RevID:       c.NodeRevID.RevItem,
	}
	if c.TextMod {
		b.Flags |= flagTextMod
	}
	if c.PropMod {
		b.Flags |= flagPropMod
	}
	if c.NodeRevID.InTxn {
		b.Flags |= flagTxnNode
		b.RevID = fstypes.IDPart{Number: c.NodeRevID.TxnID}
	}
	if c.CopyfromRev.IsValid() {
		b.CopyfromRev = c.CopyfromRev
		b.CopyfromPath = strings.AddString(c.CopyfromPath)
	}
	return b
}

func (b *binaryChange) decode(strings *stringtable.Table) fstypes.Change {
	c := fstypes.Change{
		Path:        strings.GetString(b.Path),
		Kind:        fstypes.ChangeKind((b.Flags & changeKindMask) >> changeKindShift),
		TextMod:     b.Flags&flagTextMod != 0,
		PropMod:     b.Flags&flagPropMod != 0,
		NodeKind:    fstypes.NodeKind((b.Flags & nodeKindMask) >> nodeKindShift),
		CopyfromRev: fstypes.InvalidRevnum,
	}
	if b.Flags&flagTxnNode != 0 {
		c.NodeRevID = fstypes.NewTxnID(b.NodeID, b.CopyID, b.RevID.Number)
	} else {
		c.NodeRevID = fstypes.NewRevID(b.NodeID, b.CopyID, b.RevID)
	}
	if b.CopyfromRev.IsValid() {
		c.CopyfromRev = b.CopyfromRev
		c.CopyfromPath = strings.GetString(b.CopyfromPath)
	}
	return c
}

// Builder accumulates change lists. It is not safe for concurrent use.
type Builder struct {
	strings     *stringtable.Builder
	changes     []binaryChange
	offsets     []uint64
	recordBytes int
	finalized   bool
}

// NewBuilder returns an empty builder with room for sizeHint changes.
func NewBuilder(sizeHint int) *Builder {
	return &Builder{
		strings: stringtable.NewBuilder(),
		changes: make([]binaryChange, 0, max(sizeHint, 0)),
		offsets: []uint64{0},
	}
}

func (b *Builder) check(op string) {
	if b.finalized {
		panic(fmt.Errorf("changes: %s: %w", op, fstypes.ErrFinalized))
	}
}

// Append stores list and returns its index. Indexes are assigned in
// append order from 0.
func (b *Builder) Append(list []fstypes.Change) int {
	b.check("Append")
	for i := range list {
		c := encode(b.strings, &list[i])
		b.changes = append(b.changes, c)
		b.recordBytes += max(recordSize, c.packedSize())
	}
	b.offsets = append(b.offsets, uint64(len(b.changes)))
	return len(b.offsets) - 2
}

// Lists returns the number of lists appended.
func (b *Builder) Lists() int {
	return len(b.offsets) - 1
}

// EstimateSize returns an upper bound of the size of the container
// being built, both flat and as a packed root of its own, or 0 once the
// builder is finalized.
func (b *Builder) EstimateSize() int {
	if b.finalized {
		return 0
	}
	return b.strings.EstimateSize() + u32Size + len(b.offsets)*u64Size + b.recordBytes + packedOverhead
}

// Finalize returns the read-only container. The builder must not be
// used afterwards.
func (b *Builder) Finalize() *Container {
	b.check("Finalize")
	b.finalized = true
	c := &Container{
		strings: b.strings.Finalize(),
		changes: b.changes,
		offsets: b.offsets,
	}
	b.strings, b.changes, b.offsets = nil, nil, nil
	return c
}

// Container is a read-only set of change lists, safe for concurrent
// readers.
type Container struct {
	strings *stringtable.Table
	changes []binaryChange
	offsets []uint64
}

// Lists returns the number of change lists.
func (c *Container) Lists() int {
	return len(c.offsets) - 1
}

// Changes returns the total number of changes over all lists.
func (c *Container) Changes() int {
	return len(c.changes)
}

// GetList returns the list at idx. It returns an *fstypes.IndexError
// if idx was not returned by Append.
func (c *Container) GetList(idx int) ([]fstypes.Change, error) {
	if idx < 0 || idx+1 >= len(c.offsets) {
		return nil, fstypes.NewIndexError(idx, c.Lists())
	}
	first, last := c.offsets[idx], c.offsets[idx+1]
	list := make([]fstypes.Change, 0, last-first)
	for i := first; i < last; i++ {
		list = append(list, c.changes[i].decode(c.strings))
	}
	return list, nil
}

func (c *Container) validate() error {
	if len(c.offsets) == 0 || c.offsets[0] != 0 {
		return fmt.Errorf("%w: change list offsets must start at 0", fstypes.ErrCorrupt)
	}
	for i := 1; i < len(c.offsets); i++ {
		if c.offsets[i] < c.offsets[i-1] {
			return fmt.Errorf("%w: change list %d ends before it starts", fstypes.ErrCorrupt, i-1)
		}
	}
	if last := c.offsets[len(c.offsets)-1]; last != uint64(len(c.changes)) {
		return fmt.Errorf("%w: lists cover %d changes, have %d", fstypes.ErrCorrupt, last, len(c.changes))
	}
	for i := range c.changes {
		if err := c.changes[i].validate(); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
	}
	return nil
}

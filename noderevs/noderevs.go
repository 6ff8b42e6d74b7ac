// Package noderevs stores node revision records compactly. IDs and
// representations are deduplicated across the whole container and
// referenced from each record by 1-based index, 0 meaning none; paths
// are interned in a shared string table and guarded by presence flags.
package noderevs

import (
	"fmt"

	"github.com/jrhy/fsxpack/fstypes"
	"github.com/jrhy/fsxpack/stringtable"
)

const (
	kindMask           = 0x7
	flagHasMergeinfo   = 0x8
	flagHasCopyfrom    = 0x10
	flagHasCopyroot    = 0x20
	flagHasCreatedPath = 0x40

	allFlags = kindMask | flagHasMergeinfo | flagHasCopyfrom | flagHasCopyroot | flagHasCreatedPath
)

// binaryID is a stored fstypes.ID. For IDs inside a transaction RevID
// holds the transaction number.
type binaryID struct {
	NodeID fstypes.IDPart
	CopyID fstypes.IDPart
	RevID  fstypes.IDPart
	InTxn  bool
}

func toBinaryID(id *fstypes.ID) binaryID {
	b := binaryID{NodeID: id.NodeID, CopyID: id.CopyID, RevID: id.RevItem}
	if id.InTxn {
		b.RevID = fstypes.IDPart{Number: id.TxnID}
		b.InTxn = true
	}
	return b
}

func (b binaryID) id() fstypes.ID {
	if b.InTxn {
		return fstypes.NewTxnID(b.NodeID, b.CopyID, b.RevID.Number)
	}
	return fstypes.NewRevID(b.NodeID, b.CopyID, b.RevID)
}

// binaryRep is a stored representation without its uniquifier, which
// belongs to each use rather than to the shared representation.
type binaryRep struct {
	MD5          [16]byte
	SHA1         [20]byte
	HasSHA1      bool
	Revision     fstypes.Revnum
	ItemIndex    uint64
	Size         uint64
	ExpandedSize uint64
}

func toBinaryRep(r *fstypes.Representation) binaryRep {
	b := binaryRep{
		MD5:          r.MD5,
		HasSHA1:      r.HasSHA1,
		Revision:     r.Revision,
		ItemIndex:    r.ItemIndex,
		Size:         r.Size,
		ExpandedSize: r.ExpandedSize,
	}
	if r.HasSHA1 {
		b.SHA1 = r.SHA1
	}
	return b
}

func (b binaryRep) rep(u fstypes.Uniquifier) *fstypes.Representation {
	return &fstypes.Representation{
		MD5:          b.MD5,
		SHA1:         b.SHA1,
		HasSHA1:      b.HasSHA1,
		Revision:     b.Revision,
		ItemIndex:    b.ItemIndex,
		Size:         b.Size,
		ExpandedSize: b.ExpandedSize,
		Uniquifier:   u,
	}
}

type binaryNodeRev struct {
	Flags            uint32
	ID               uint32
	PredecessorID    uint32
	PredecessorCount int64
	CopyfromRev      fstypes.Revnum
	CopyfromPath     stringtable.Index
	CopyrootRev      fstypes.Revnum
	CopyrootPath     stringtable.Index
	DataRep          uint32
	DataUniquifier   fstypes.Uniquifier
	PropRep          uint32
	PropUniquifier   fstypes.Uniquifier
	CreatedPath      stringtable.Index
	MergeinfoCount   int64
}

// dedup assigns 1-based indexes to distinct values and sums their
// stored size.
type dedup[T comparable] struct {
	values []T
	index  map[T]uint32
	cost   func(*T) int
	bytes  int
}

func newDedup[T comparable](sizeHint int, cost func(*T) int) dedup[T] {
	return dedup[T]{
		values: make([]T, 0, sizeHint),
		index:  make(map[T]uint32, sizeHint),
		cost:   cost,
	}
}

func (d *dedup[T]) add(v T) uint32 {
	if i, ok := d.index[v]; ok {
		return i
	}
	d.values = append(d.values, v)
	i := uint32(len(d.values))
	d.index[v] = i
	d.bytes += d.cost(&v)
	return i
}

// Builder accumulates node revisions. It is not safe for concurrent use.
type Builder struct {
	strings   *stringtable.Builder
	ids       dedup[binaryID]
	dataReps  dedup[binaryRep]
	propReps  dedup[binaryRep]
	noderevs  []binaryNodeRev
	revBytes  int
	finalized bool
}

// NewBuilder returns an empty builder with room for sizeHint records.
func NewBuilder(sizeHint int) *Builder {
	sizeHint = max(sizeHint, 0)
	return &Builder{
		strings:  stringtable.NewBuilder(),
		ids:      newDedup(sizeHint, (*binaryID).storedSize),
		dataReps: newDedup(sizeHint, (*binaryRep).storedSize),
		propReps: newDedup(sizeHint, (*binaryRep).storedSize),
		noderevs: make([]binaryNodeRev, 0, sizeHint),
	}
}

func (b *Builder) check(op string) {
	if b.finalized {
		panic(fmt.Errorf("noderevs: %s: %w", op, fstypes.ErrFinalized))
	}
}

// Add stores nr and returns its 0-based record index.
func (b *Builder) Add(nr *fstypes.NodeRevision) int {
	b.check("Add")
	r := binaryNodeRev{
		Flags:            uint32(nr.Kind) & kindMask,
		ID:               b.ids.add(toBinaryID(&nr.ID)),
		PredecessorCount: int64(nr.PredecessorCount),
		CopyfromRev:      fstypes.InvalidRevnum,
		CopyrootRev:      fstypes.InvalidRevnum,
		MergeinfoCount:   nr.MergeinfoCount,
	}
	if nr.PredecessorID != nil {
		r.PredecessorID = b.ids.add(toBinaryID(nr.PredecessorID))
	}
	if nr.HasMergeinfo {
		r.Flags |= flagHasMergeinfo
	}
	if nr.HasCopyfrom {
		r.Flags |= flagHasCopyfrom
		r.CopyfromRev = nr.CopyfromRev
		r.CopyfromPath = b.strings.AddString(nr.CopyfromPath)
	}
	if nr.HasCopyroot {
		r.Flags |= flagHasCopyroot
		r.CopyrootRev = nr.CopyrootRev
		r.CopyrootPath = b.strings.AddString(nr.CopyrootPath)
	}
	if nr.HasCreatedPath {
		r.Flags |= flagHasCreatedPath
		r.CreatedPath = b.strings.AddString(nr.CreatedPath)
	}
	if nr.DataRep != nil {
		r.DataRep = b.dataReps.add(toBinaryRep(nr.DataRep))
		r.DataUniquifier = nr.DataRep.Uniquifier
	}
	if nr.PropRep != nil {
		r.PropRep = b.propReps.add(toBinaryRep(nr.PropRep))
		r.PropUniquifier = nr.PropRep.Uniquifier
	}
	b.noderevs = append(b.noderevs, r)
	b.revBytes += r.storedSize()
	return len(b.noderevs) - 1
}

// Len returns the number of records added.
func (b *Builder) Len() int {
	return len(b.noderevs)
}

// EstimateSize returns an upper bound of the size of the container
// being built, both flat and as a packed root of its own, or 0 once the
// builder is finalized.
func (b *Builder) EstimateSize() int {
	if b.finalized {
		return 0
	}
	return b.strings.EstimateSize() +
		flatHeaderSize +
		b.ids.bytes +
		b.dataReps.bytes +
		b.propReps.bytes +
		b.revBytes +
		packedOverhead
}

// Finalize returns the read-only container. The builder must not be
// used afterwards.
func (b *Builder) Finalize() *Container {
	b.check("Finalize")
	b.finalized = true
	c := &Container{
		strings:  b.strings.Finalize(),
		ids:      b.ids.values,
		dataReps: b.dataReps.values,
		propReps: b.propReps.values,
		noderevs: b.noderevs,
	}
	*b = Builder{finalized: true}
	return c
}

// Container is a read-only set of node revisions, safe for concurrent
// readers.
type Container struct {
	strings  *stringtable.Table
	ids      []binaryID
	dataReps []binaryRep
	propReps []binaryRep
	noderevs []binaryNodeRev
}

// Len returns the number of records.
func (c *Container) Len() int { return len(c.noderevs) }

// IDCount returns the number of distinct IDs.
func (c *Container) IDCount() int { return len(c.ids) }

// DataRepCount returns the number of distinct data representations.
func (c *Container) DataRepCount() int { return len(c.dataReps) }

// PropRepCount returns the number of distinct property representations.
func (c *Container) PropRepCount() int { return len(c.propReps) }

// Get returns record idx, or an *fstypes.IndexError if idx is not a
// record index or the record refers outside the container.
func (c *Container) Get(idx int) (*fstypes.NodeRevision, error) {
	if idx < 0 || idx >= len(c.noderevs) {
		return nil, fstypes.NewIndexError(idx, len(c.noderevs))
	}
	return resolve(c, &c.noderevs[idx])
}

func (c *Container) table() *stringtable.Table { return c.strings }

func (c *Container) id(i uint32) (binaryID, error) {
	if i == 0 || int(i) > len(c.ids) {
		return binaryID{}, fstypes.NewIndexError(int(i), len(c.ids))
	}
	return c.ids[i-1], nil
}

func (c *Container) dataRep(i uint32) (binaryRep, error) {
	if i == 0 || int(i) > len(c.dataReps) {
		return binaryRep{}, fstypes.NewIndexError(int(i), len(c.dataReps))
	}
	return c.dataReps[i-1], nil
}

func (c *Container) propRep(i uint32) (binaryRep, error) {
	if i == 0 || int(i) > len(c.propReps) {
		return binaryRep{}, fstypes.NewIndexError(int(i), len(c.propReps))
	}
	return c.propReps[i-1], nil
}

// source is what resolve needs to turn a stored record into a
// NodeRevision; a Container and a flat buffer both provide it.
type source interface {
	table() *stringtable.Table
	id(uint32) (binaryID, error)
	dataRep(uint32) (binaryRep, error)
	propRep(uint32) (binaryRep, error)
}

// resolve looks up everything r refers to before building the result,
// so that a failed lookup leaves nothing half-built.
func resolve(src source, r *binaryNodeRev) (*fstypes.NodeRevision, error) {
	if r.Flags&^allFlags != 0 || fstypes.NodeKind(r.Flags&kindMask) > fstypes.NodeUnknown {
		return nil, fmt.Errorf("%w: node revision flags %#x", fstypes.ErrCorrupt, r.Flags)
	}
	id, err := src.id(r.ID)
	if err != nil {
		return nil, fmt.Errorf("node revision id: %w", err)
	}
	var pred binaryID
	if r.PredecessorID != 0 {
		if pred, err = src.id(r.PredecessorID); err != nil {
			return nil, fmt.Errorf("predecessor id: %w", err)
		}
	}
	var data, props binaryRep
	if r.DataRep != 0 {
		if data, err = src.dataRep(r.DataRep); err != nil {
			return nil, fmt.Errorf("data representation: %w", err)
		}
	}
	if r.PropRep != 0 {
		if props, err = src.propRep(r.PropRep); err != nil {
			return nil, fmt.Errorf("property representation: %w", err)
		}
	}

	strings := src.table()
	nr := &fstypes.NodeRevision{
		Kind:             fstypes.NodeKind(r.Flags & kindMask),
		ID:               id.id(),
		PredecessorCount: int(r.PredecessorCount),
		CopyfromRev:      fstypes.InvalidRevnum,
		CopyrootRev:      fstypes.InvalidRevnum,
		MergeinfoCount:   r.MergeinfoCount,
		HasMergeinfo:     r.Flags&flagHasMergeinfo != 0,
		HasCopyfrom:      r.Flags&flagHasCopyfrom != 0,
		HasCopyroot:      r.Flags&flagHasCopyroot != 0,
		HasCreatedPath:   r.Flags&flagHasCreatedPath != 0,
	}
	if r.PredecessorID != 0 {
		p := pred.id()
		nr.PredecessorID = &p
	}
	if r.Flags&flagHasCopyfrom != 0 {
		nr.CopyfromRev = r.CopyfromRev
		nr.CopyfromPath = strings.GetString(r.CopyfromPath)
	}
	if r.Flags&flagHasCopyroot != 0 {
		nr.CopyrootRev = r.CopyrootRev
		nr.CopyrootPath = strings.GetString(r.CopyrootPath)
	}
	if r.Flags&flagHasCreatedPath != 0 {
		nr.CreatedPath = strings.GetString(r.CreatedPath)
	}
	if r.DataRep != 0 {
		nr.DataRep = data.rep(r.DataUniquifier)
	}
	if r.PropRep != 0 {
		nr.PropRep = props.rep(r.PropUniquifier)
	}
	return nr, nil
}

// validate checks every record's references so that Get can only fail
// on its own argument.
func (c *Container) validate() error {
	for i := range c.noderevs {
		if _, err := resolve(c, &c.noderevs[i]); err != nil {
			return fmt.Errorf("%w: node revision %d: %v", fstypes.ErrCorrupt, i, err)
		}
	}
	return nil
}

/*
Package stringtable interns byte strings into a compact, immutable,
randomly-indexable table.

A Builder deduplicates strings as they are added and returns a stable
Index for each distinct value. Strings shorter than LongStringThreshold
are kept sorted per sub-table so that, when the builder is finalized,
each one can be stored as a reference to a shared prefix ("head") of a
neighbouring string plus its own remainder ("tail"); identical tails are
stored once. Longer strings are only deduplicated as whole values.

A sub-table holds at most MaxStringsPerTable short and MaxStringsPerTable
long strings, and its short strings have a byte budget of MaxDataSize.
When a limit would be exceeded the builder starts a new sub-table; this
never fails but strings in different sub-tables share no prefixes.

Finalize turns the builder into a Table. Tables are immutable and safe
for concurrent readers; they can be written to a packed.Root, or
serialized to a flat buffer that View reads without decoding.
*/
package stringtable

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"
	"github.com/jrhy/fsxpack/fstypes"
)

const (
	// LongStringThreshold is the length from which strings are stored
	// whole instead of head+tail.
	LongStringThreshold = 16384
	// MaxStringsPerTable limits both short and long strings per sub-table.
	MaxStringsPerTable = 1 << (TableShift - 1)
	// MaxDataSize is the byte budget of a sub-table's short strings.
	MaxDataSize = 0xffff

	// TableShift is the position of the sub-table number within an Index.
	TableShift = 13
	// LongStringBit is set in the Index of long strings.
	LongStringBit = 1 << (TableShift - 1)
	// LocalIndexMask extracts the position within the sub-table.
	LocalIndexMask = LongStringBit - 1

	btreeDegree = 16

	// packedOverhead bounds what a packed table adds to its flat form:
	// root framing, stream counts, six int stream headers and the byte
	// stream lengths. Per-string packed fields are never longer than
	// their flat counterparts, except long string lengths.
	packedOverhead = 1 + 2*binary.MaxVarintLen64 + 2 + 6*(2+binary.MaxVarintLen32) + 3*binary.MaxVarintLen32
)

// Index addresses a string in a Table: sub-table number, long flag and
// position within the sub-table.
type Index uint64

func makeIndex(table int, long bool, local int) Index {
	i := Index(table)<<TableShift | Index(local)
	if long {
		i |= LongStringBit
	}
	return i
}

// Table returns the sub-table number.
func (i Index) Table() uint64 { return uint64(i >> TableShift) }

// IsLong reports whether i addresses a long string.
func (i Index) IsLong() bool { return i&LongStringBit != 0 }

// Local returns the position within the sub-table.
func (i Index) Local() int { return int(i & LocalIndexMask) }

func (i Index) String() string {
	kind := "short"
	if i.IsLong() {
		kind = "long"
	}
	return fmt.Sprintf("%d/%s/%d", i.Table(), kind, i.Local())
}

type shortString struct {
	value     string
	position  int
	prevMatch int
	nextMatch int
}

func lessShort(a, b *shortString) bool {
	return a.value < b.value
}

type subTableBuilder struct {
	tree   *btree.BTreeG[*shortString]
	short  []*shortString
	long   []string
	budget int
}

func newSubTableBuilder() *subTableBuilder {
	return &subTableBuilder{
		tree:   btree.NewG(btreeDegree, lessShort),
		budget: MaxDataSize,
	}
}

// Builder collects strings for a Table. A Builder is not safe for
// concurrent use.
type Builder struct {
	tables    []*subTableBuilder
	index     map[string]Index
	finalized bool
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		tables: []*subTableBuilder{newSubTableBuilder()},
		index:  map[string]Index{},
	}
}

func (b *Builder) active() *subTableBuilder {
	return b.tables[len(b.tables)-1]
}

func (b *Builder) addTable() *subTableBuilder {
	t := newSubTableBuilder()
	b.tables = append(b.tables, t)
	return t
}

// Add interns s and returns its index. Adding equal content always
// returns the same index.
func (b *Builder) Add(s []byte) Index {
	return b.AddString(string(s))
}

// AddString is Add for strings.
func (b *Builder) AddString(s string) Index {
	if b.finalized {
		panic(fmt.Errorf("stringtable: Add: %w", fstypes.ErrFinalized))
	}
	if i, ok := b.index[s]; ok {
		return i
	}
	var i Index
	if len(s) >= LongStringThreshold {
		i = b.addLong(s)
	} else {
		i = b.addShort(s)
	}
	b.index[s] = i
	return i
}

func (b *Builder) addLong(s string) Index {
	t := b.active()
	if len(t.long) == MaxStringsPerTable {
		t = b.addTable()
	}
	t.long = append(t.long, s)
	return makeIndex(len(b.tables)-1, true, len(t.long)-1)
}

func (b *Builder) addShort(s string) Index {
	t := b.active()
	if len(t.short) == MaxStringsPerTable || t.budget < len(s) {
		t = b.addTable()
	}
	node := &shortString{value: s, position: len(t.short)}
	if existing, ok := t.tree.Get(node); ok {
		return makeIndex(len(b.tables)-1, false, existing.position)
	}

	var pred, succ *shortString
	t.tree.DescendLessOrEqual(node, func(n *shortString) bool {
		pred = n
		return false
	})
	t.tree.AscendGreaterOrEqual(node, func(n *shortString) bool {
		succ = n
		return false
	})
	if pred != nil {
		node.prevMatch = commonPrefix(pred.value, s)
		pred.nextMatch = node.prevMatch
	}
	if succ != nil {
		node.nextMatch = commonPrefix(s, succ.value)
		succ.prevMatch = node.nextMatch
	}
	t.tree.ReplaceOrInsert(node)
	t.short = append(t.short, node)
	t.budget -= len(s) - max(node.prevMatch, node.nextMatch)
	return makeIndex(len(b.tables)-1, false, node.position)
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Len returns the number of distinct strings added.
func (b *Builder) Len() int {
	return len(b.index)
}

// SubTables returns the number of sub-tables started so far.
func (b *Builder) SubTables() int {
	return len(b.tables)
}

// EstimateSize returns an upper bound of the size of the table being
// built, both as a flat buffer and as a packed root of its own, or 0
// once the builder is finalized.
func (b *Builder) EstimateSize() int {
	if b.finalized {
		return 0
	}
	total := u32Size*(len(b.tables)+2) + packedOverhead
	for _, t := range b.tables {
		total += subTableHeadSize
		total += MaxDataSize - t.budget
		total += len(t.short) * headerSize
		for _, s := range t.long {
			total += len(s) + binary.MaxVarintLen32
		}
	}
	return total
}

// Finalize builds the immutable Table. The builder must not be used
// afterwards.
func (b *Builder) Finalize() *Table {
	if b.finalized {
		panic(fmt.Errorf("stringtable: Finalize: %w", fstypes.ErrFinalized))
	}
	b.finalized = true
	w := newFlatWriter(len(b.tables))
	for _, t := range b.tables {
		headers, data := t.encodeShort()
		w.addSubTable(headers, data, t.long)
	}
	b.tables = nil
	b.index = nil
	return &Table{buf: w.finish()}
}

// encodeShort references each string's sorted predecessor for the
// shared prefix, so heads always point at strings encoded earlier.
func (t *subTableBuilder) encodeShort() ([]header, []byte) {
	headers := make([]header, len(t.short))
	data := make([]byte, 0, MaxDataSize-t.budget)
	tails := map[string]uint32{}
	var pred *shortString
	t.tree.Ascend(func(s *shortString) bool {
		var h header
		if pred != nil && s.prevMatch > 0 {
			h.headRef = uint32(pred.position)
			h.headLen = uint32(s.prevMatch)
		}
		tail := s.value[h.headLen:]
		off, ok := tails[tail]
		if !ok {
			off = uint32(len(data))
			data = append(data, tail...)
			tails[tail] = off
		}
		h.tailOff = off
		h.tailLen = uint32(len(tail))
		headers[s.position] = h
		pred = s
		return true
	})
	return headers, data
}

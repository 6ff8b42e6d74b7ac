package stringtable

import (
	"encoding/binary"
	"fmt"

	"github.com/jrhy/fsxpack/fstypes"
)

// A Table is laid out as one flat little-endian buffer so that the same
// code serves finalized tables, deserialized tables and views over
// foreign buffers:
//
//	u32 subTableCount
//	u32 subTableOffset[subTableCount+1]   relative to the table start
//	per sub-table:
//	  u32 shortCount, u32 longCount, u32 dataLen
//	  shortCount * {u32 headRef, u32 headLen, u32 tailOff, u32 tailLen}
//	  longCount * u32 longEnd                cumulative, relative to long data
//	  dataLen bytes of tail data
//	  long string data
const (
	u32Size          = 4
	headerSize       = 4 * u32Size
	subTableHeadSize = 3 * u32Size
)

type header struct {
	headRef uint32
	headLen uint32
	tailOff uint32
	tailLen uint32
}

var le = binary.LittleEndian

type flatWriter struct {
	buf  []byte
	subs int
	next int
}

func newFlatWriter(subs int) *flatWriter {
	w := &flatWriter{subs: subs}
	w.buf = make([]byte, u32Size*(subs+2))
	le.PutUint32(w.buf, uint32(subs))
	return w
}

func (w *flatWriter) addSubTable(headers []header, data []byte, long []string) {
	le.PutUint32(w.buf[u32Size*(1+w.next):], uint32(len(w.buf)))
	w.next++
	w.buf = le.AppendUint32(w.buf, uint32(len(headers)))
	w.buf = le.AppendUint32(w.buf, uint32(len(long)))
	w.buf = le.AppendUint32(w.buf, uint32(len(data)))
	for _, h := range headers {
		w.buf = le.AppendUint32(w.buf, h.headRef)
		w.buf = le.AppendUint32(w.buf, h.headLen)
		w.buf = le.AppendUint32(w.buf, h.tailOff)
		w.buf = le.AppendUint32(w.buf, h.tailLen)
	}
	end := 0
	for _, s := range long {
		end += len(s)
		w.buf = le.AppendUint32(w.buf, uint32(end))
	}
	w.buf = append(w.buf, data...)
	for _, s := range long {
		w.buf = append(w.buf, s...)
	}
}

func (w *flatWriter) finish() []byte {
	if w.next != w.subs {
		panic(fmt.Sprintf("bug! flat table declared %d sub-tables, got %d", w.subs, w.next))
	}
	le.PutUint32(w.buf[u32Size*(1+w.subs):], uint32(len(w.buf)))
	return w.buf
}

// Table is a finalized, read-only string table. It is safe for
// concurrent use.
type Table struct {
	buf []byte
}

// subTable is a bounds-checked window on one sub-table of a flat buffer.
// The zero value is an empty sub-table.
type subTable struct {
	shortCount int
	longCount  int
	headers    []byte
	longEnds   []byte
	data       []byte
	long       []byte
}

func readU32(buf []byte, off int) (uint32, bool) {
	if off < 0 || off+u32Size > len(buf) {
		return 0, false
	}
	return le.Uint32(buf[off:]), true
}

func (t *Table) subTableCount() int {
	if t == nil {
		return 0
	}
	n, _ := readU32(t.buf, 0)
	return int(n)
}

func (t *Table) subTable(i uint64) (subTable, bool) {
	if i >= uint64(t.subTableCount()) {
		return subTable{}, false
	}
	start, ok1 := readU32(t.buf, u32Size*(1+int(i)))
	end, ok2 := readU32(t.buf, u32Size*(2+int(i)))
	if !ok1 || !ok2 || start > end || int(end) > len(t.buf) {
		return subTable{}, false
	}
	return parseSubTable(t.buf[start:end])
}

func parseSubTable(buf []byte) (subTable, bool) {
	shortCount, ok1 := readU32(buf, 0)
	longCount, ok2 := readU32(buf, u32Size)
	dataLen, ok3 := readU32(buf, 2*u32Size)
	if !ok1 || !ok2 || !ok3 {
		return subTable{}, false
	}
	off := uint64(subTableHeadSize)
	headersEnd := off + uint64(shortCount)*headerSize
	longEndsEnd := headersEnd + uint64(longCount)*u32Size
	dataEnd := longEndsEnd + uint64(dataLen)
	if dataEnd > uint64(len(buf)) {
		return subTable{}, false
	}
	return subTable{
		shortCount: int(shortCount),
		longCount:  int(longCount),
		headers:    buf[off:headersEnd],
		longEnds:   buf[headersEnd:longEndsEnd],
		data:       buf[longEndsEnd:dataEnd],
		long:       buf[dataEnd:],
	}, true
}

func (s *subTable) header(i int) header {
	b := s.headers[i*headerSize:]
	return header{
		headRef: le.Uint32(b),
		headLen: le.Uint32(b[4:]),
		tailOff: le.Uint32(b[8:]),
		tailLen: le.Uint32(b[12:]),
	}
}

func (s *subTable) longRange(i int) (int, int, bool) {
	start := uint32(0)
	if i > 0 {
		start = le.Uint32(s.longEnds[(i-1)*u32Size:])
	}
	end := le.Uint32(s.longEnds[i*u32Size:])
	if start > end || int(end) > len(s.long) {
		return 0, 0, false
	}
	return int(start), int(end), true
}

// length returns the length of the string at local position i, or
// false if i is out of range.
func (s *subTable) length(i int, long bool) (int, bool) {
	if long {
		if i >= s.longCount {
			return 0, false
		}
		start, end, ok := s.longRange(i)
		return end - start, ok
	}
	if i >= s.shortCount {
		return 0, false
	}
	h := s.header(i)
	n := int(h.headLen) + int(h.tailLen)
	if n >= LongStringThreshold {
		return 0, false
	}
	return n, true
}

// copyShort fills dst with the first len(dst) bytes of short string i,
// walking the head chain. The walk is bounded by the number of strings
// so that a damaged buffer cannot loop; it reports false if the chain
// is inconsistent.
func (s *subTable) copyShort(dst []byte, i int) bool {
	n := len(dst)
	h := s.header(i)
	for steps := 0; n > 0; steps++ {
		if steps > s.shortCount {
			return false
		}
		if int(h.headLen) < n {
			tail := n - int(h.headLen)
			if tail > int(h.tailLen) || uint64(h.tailOff)+uint64(tail) > uint64(len(s.data)) {
				return false
			}
			copy(dst[h.headLen:n], s.data[h.tailOff:int(h.tailOff)+tail])
			n = int(h.headLen)
		}
		if n == 0 {
			break
		}
		if int(h.headRef) >= s.shortCount {
			return false
		}
		h = s.header(int(h.headRef))
	}
	return true
}

func (s *subTable) copyString(dst []byte, i int, long bool) bool {
	if long {
		start, _, ok := s.longRange(i)
		if !ok {
			return false
		}
		copy(dst, s.long[start:])
		return true
	}
	return s.copyShort(dst, i)
}

func (t *Table) locate(i Index) (subTable, int, bool) {
	st, ok := t.subTable(i.Table())
	if !ok {
		return subTable{}, 0, false
	}
	n, ok := st.length(i.Local(), i.IsLong())
	if !ok {
		return subTable{}, 0, false
	}
	return st, n, true
}

// Length returns the length of string i, or 0 if i is not in the table.
func (t *Table) Length(i Index) int {
	_, n, _ := t.locate(i)
	return n
}

// Get returns a copy of string i. Indexes outside the table yield an
// empty result.
func (t *Table) Get(i Index) []byte {
	st, n, ok := t.locate(i)
	if !ok {
		return []byte{}
	}
	out := make([]byte, n)
	if !st.copyString(out, i.Local(), i.IsLong()) {
		return []byte{}
	}
	return out
}

// GetString is Get returning a string.
func (t *Table) GetString(i Index) string {
	return string(t.Get(i))
}

// CopyInto copies string i into buf and returns its full length,
// which is 0 for indexes outside the table. If buf is longer than the
// string a terminating zero byte is appended; if it has exactly the
// string's length the string is copied without terminator; if it is
// shorter nothing is copied. CopyInto(nil, i) queries the length.
func (t *Table) CopyInto(buf []byte, i Index) int {
	st, n, ok := t.locate(i)
	if !ok {
		n = 0
	}
	if len(buf) < n {
		return n
	}
	if n > 0 && !st.copyString(buf[:n], i.Local(), i.IsLong()) {
		n = 0
	}
	if len(buf) > n {
		buf[n] = 0
	}
	return n
}

// Len returns the number of strings in the table.
func (t *Table) Len() int {
	total := 0
	for i := 0; i < t.subTableCount(); i++ {
		st, _ := t.subTable(uint64(i))
		total += st.shortCount + st.longCount
	}
	return total
}

// SubTables returns the number of sub-tables.
func (t *Table) SubTables() int {
	return t.subTableCount()
}

// Indexes calls f for every string index in the table, sub-table by
// sub-table, short strings before long ones.
func (t *Table) Indexes(f func(Index) bool) {
	for i := 0; i < t.subTableCount(); i++ {
		st, _ := t.subTable(uint64(i))
		for j := 0; j < st.shortCount; j++ {
			if !f(makeIndex(i, false, j)) {
				return
			}
		}
		for j := 0; j < st.longCount; j++ {
			if !f(makeIndex(i, true, j)) {
				return
			}
		}
	}
}

// Size returns the length of the table's flat form.
func (t *Table) Size() int {
	if t == nil {
		return 0
	}
	return len(t.buf)
}

// AppendFlat appends the table's flat form to buf.
func (t *Table) AppendFlat(buf []byte) []byte {
	return append(buf, t.buf...)
}

// Serialize returns the table's flat form, the representation used to
// hand tables across a cache or process boundary.
func (t *Table) Serialize() []byte {
	return t.AppendFlat(nil)
}

// View returns a table reading directly from buf, which must hold a
// flat table and must not be modified while the view is in use. View
// does not validate buf; reads from a damaged buffer return empty
// strings rather than failing.
func View(buf []byte) *Table {
	return &Table{buf: buf}
}

// Deserialize validates buf and returns the table it holds. The table
// aliases buf.
func Deserialize(buf []byte) (*Table, error) {
	t := View(buf)
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// FlatSize returns the length of the flat table at the start of buf,
// so that callers embedding a table can find what follows it.
func FlatSize(buf []byte) (int, error) {
	n, ok := readU32(buf, 0)
	if !ok || uint64(n) > uint64(len(buf))/u32Size {
		return 0, fmt.Errorf("%w: bad string table header", fstypes.ErrCorrupt)
	}
	end, ok := readU32(buf, u32Size*(1+int(n)))
	if !ok || int(end) > len(buf) {
		return 0, fmt.Errorf("%w: bad string table size", fstypes.ErrCorrupt)
	}
	return int(end), nil
}

func (t *Table) validate() error {
	size, err := FlatSize(t.buf)
	if err != nil {
		return err
	}
	if size != len(t.buf) {
		return fmt.Errorf("%w: string table is %d bytes, buffer %d", fstypes.ErrCorrupt, size, len(t.buf))
	}
	n := t.subTableCount()
	prevEnd := uint32(u32Size * (n + 2))
	for i := 0; i < n; i++ {
		start, _ := readU32(t.buf, u32Size*(1+i))
		end, _ := readU32(t.buf, u32Size*(2+i))
		if start != prevEnd || end < start {
			return fmt.Errorf("%w: sub-table %d spans %d..%d", fstypes.ErrCorrupt, i, start, end)
		}
		prevEnd = end
		st, ok := t.subTable(uint64(i))
		if !ok {
			return fmt.Errorf("%w: sub-table %d truncated", fstypes.ErrCorrupt, i)
		}
		if st.shortCount > MaxStringsPerTable || st.longCount > MaxStringsPerTable {
			return fmt.Errorf("%w: sub-table %d has %d+%d strings", fstypes.ErrCorrupt, i, st.shortCount, st.longCount)
		}
		if err := st.validate(); err != nil {
			return fmt.Errorf("sub-table %d: %w", i, err)
		}
	}
	return nil
}

func (s *subTable) validate() error {
	for i := 0; i < s.longCount; i++ {
		if _, _, ok := s.longRange(i); !ok {
			return fmt.Errorf("%w: long string %d out of bounds", fstypes.ErrCorrupt, i)
		}
	}
	if s.longCount > 0 {
		_, end, _ := s.longRange(s.longCount - 1)
		if end != len(s.long) {
			return fmt.Errorf("%w: %d bytes of long data unaccounted for", fstypes.ErrCorrupt, len(s.long)-end)
		}
	} else if len(s.long) != 0 {
		return fmt.Errorf("%w: long data without long strings", fstypes.ErrCorrupt)
	}
	// 0 = unvisited, 1 = on the current head chain, 2 = known to terminate
	state := make([]uint8, s.shortCount)
	for i := 0; i < s.shortCount; i++ {
		h := s.header(i)
		if uint64(h.tailOff)+uint64(h.tailLen) > uint64(len(s.data)) {
			return fmt.Errorf("%w: tail of string %d out of bounds", fstypes.ErrCorrupt, i)
		}
		if int(h.headLen)+int(h.tailLen) >= LongStringThreshold {
			return fmt.Errorf("%w: short string %d is %d bytes", fstypes.ErrCorrupt, i, h.headLen+h.tailLen)
		}
		if h.headLen == 0 {
			continue
		}
		if int(h.headRef) >= s.shortCount {
			return fmt.Errorf("%w: string %d references string %d", fstypes.ErrCorrupt, i, h.headRef)
		}
		ref := s.header(int(h.headRef))
		if h.headLen > ref.headLen+ref.tailLen {
			return fmt.Errorf("%w: string %d borrows %d bytes from a %d byte string", fstypes.ErrCorrupt, i, h.headLen, ref.headLen+ref.tailLen)
		}
	}
	for i := 0; i < s.shortCount; i++ {
		var chain []int
		j := i
		for state[j] == 0 {
			state[j] = 1
			chain = append(chain, j)
			h := s.header(j)
			if h.headLen == 0 {
				break
			}
			j = int(h.headRef)
		}
		if state[j] == 1 && s.header(j).headLen != 0 {
			return fmt.Errorf("%w: head chain of string %d loops", fstypes.ErrCorrupt, i)
		}
		for _, c := range chain {
			state[c] = 2
		}
	}
	return nil
}

package noderevs

import (
	"encoding/binary"
	"fmt"

	"github.com/jrhy/fsxpack/fstypes"
	"github.com/jrhy/fsxpack/stringtable"
)

// The flat form, used to pass containers through a cache, is
//
//	string table (stringtable flat form)
//	u32 idCount, u32 dataRepCount, u32 propRepCount, u32 noderevCount
//	fixed-size binaryID records
//	fixed-size binaryRep records, data then property representations
//	fixed-size binaryNodeRev records
//
// GetOne reads single records from it without decoding the rest.

const (
	u32Size        = 4
	flatHeaderSize = 4 * u32Size
)

var (
	le          = binary.LittleEndian
	idSize      = binary.Size(binaryID{})
	repSize     = binary.Size(binaryRep{})
	noderevSize = binary.Size(binaryNodeRev{})
)

func appendRecords[T any](buf []byte, records []T) ([]byte, error) {
	for i := range records {
		var err error
		if buf, err = binary.Append(buf, le, &records[i]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Serialize returns the flat form of c.
func Serialize(c *Container) ([]byte, error) {
	buf := make([]byte, 0, c.strings.Size()+flatHeaderSize+
		len(c.ids)*idSize+(len(c.dataReps)+len(c.propReps))*repSize+len(c.noderevs)*noderevSize)
	buf = c.strings.AppendFlat(buf)
	buf = le.AppendUint32(buf, uint32(len(c.ids)))
	buf = le.AppendUint32(buf, uint32(len(c.dataReps)))
	buf = le.AppendUint32(buf, uint32(len(c.propReps)))
	buf = le.AppendUint32(buf, uint32(len(c.noderevs)))
	var err error
	if buf, err = appendRecords(buf, c.ids); err != nil {
		return nil, fmt.Errorf("serialize ids: %w", err)
	}
	if buf, err = appendRecords(buf, c.dataReps); err != nil {
		return nil, fmt.Errorf("serialize data reps: %w", err)
	}
	if buf, err = appendRecords(buf, c.propReps); err != nil {
		return nil, fmt.Errorf("serialize prop reps: %w", err)
	}
	if buf, err = appendRecords(buf, c.noderevs); err != nil {
		return nil, fmt.Errorf("serialize node revisions: %w", err)
	}
	return buf, nil
}

// flatContainer is a source reading records straight from a flat
// buffer.
type flatContainer struct {
	strings  *stringtable.Table
	ids      []byte
	dataReps []byte
	propReps []byte
	noderevs []byte
	count    int
}

func parseFlat(buf []byte, validateStrings bool) (*flatContainer, error) {
	n, err := stringtable.FlatSize(buf)
	if err != nil {
		return nil, err
	}
	fc := &flatContainer{}
	if validateStrings {
		if fc.strings, err = stringtable.Deserialize(buf[:n]); err != nil {
			return nil, err
		}
	} else {
		fc.strings = stringtable.View(buf[:n])
	}
	rest := buf[n:]
	if len(rest) < flatHeaderSize {
		return nil, fmt.Errorf("%w: node revision container truncated", fstypes.ErrCorrupt)
	}
	counts := [4]uint64{}
	for i := range counts {
		counts[i] = uint64(le.Uint32(rest[i*u32Size:]))
	}
	rest = rest[flatHeaderSize:]
	want := counts[0]*uint64(idSize) + (counts[1]+counts[2])*uint64(repSize) + counts[3]*uint64(noderevSize)
	if want != uint64(len(rest)) {
		return nil, fmt.Errorf("%w: node revision records need %d bytes, have %d", fstypes.ErrCorrupt, want, len(rest))
	}
	take := func(n int) []byte {
		b := rest[:n]
		rest = rest[n:]
		return b
	}
	fc.ids = take(int(counts[0]) * idSize)
	fc.dataReps = take(int(counts[1]) * repSize)
	fc.propReps = take(int(counts[2]) * repSize)
	fc.noderevs = take(int(counts[3]) * noderevSize)
	fc.count = int(counts[3])
	return fc, nil
}

// decodeRecord decodes the 1-based record i of size bytes from buf
// into v.
func decodeRecord(buf []byte, i uint32, size int, v any) error {
	if i == 0 || int(i) > len(buf)/size {
		return fstypes.NewIndexError(int(i), len(buf)/size)
	}
	off := int(i-1) * size
	if _, err := binary.Decode(buf[off:off+size], le, v); err != nil {
		return fmt.Errorf("%w: %v", fstypes.ErrCorrupt, err)
	}
	return nil
}

func (fc *flatContainer) table() *stringtable.Table { return fc.strings }

func (fc *flatContainer) id(i uint32) (binaryID, error) {
	var b binaryID
	return b, decodeRecord(fc.ids, i, idSize, &b)
}

func (fc *flatContainer) dataRep(i uint32) (binaryRep, error) {
	var b binaryRep
	return b, decodeRecord(fc.dataReps, i, repSize, &b)
}

func (fc *flatContainer) propRep(i uint32) (binaryRep, error) {
	var b binaryRep
	return b, decodeRecord(fc.propReps, i, repSize, &b)
}

func (fc *flatContainer) noderev(idx int) (binaryNodeRev, error) {
	var r binaryNodeRev
	if idx < 0 || idx >= fc.count {
		return r, fstypes.NewIndexError(idx, fc.count)
	}
	return r, decodeRecord(fc.noderevs, uint32(idx+1), noderevSize, &r)
}

// Deserialize validates the flat form in buf and returns the container
// it holds.
func Deserialize(buf []byte) (*Container, error) {
	fc, err := parseFlat(buf, true)
	if err != nil {
		return nil, err
	}
	c := &Container{
		strings:  fc.strings,
		ids:      make([]binaryID, len(fc.ids)/idSize),
		dataReps: make([]binaryRep, len(fc.dataReps)/repSize),
		propReps: make([]binaryRep, len(fc.propReps)/repSize),
		noderevs: make([]binaryNodeRev, fc.count),
	}
	for _, part := range []struct {
		what string
		buf  []byte
		v    any
	}{
		{"ids", fc.ids, c.ids},
		{"data reps", fc.dataReps, c.dataReps},
		{"prop reps", fc.propReps, c.propReps},
		{"node revisions", fc.noderevs, c.noderevs},
	} {
		if _, err := binary.Decode(part.buf, le, part.v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", fstypes.ErrCorrupt, part.what, err)
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// GetOne returns record idx straight from the flat form in buf, with
// the same result as Get on the deserialized container.
func GetOne(buf []byte, idx int) (*fstypes.NodeRevision, error) {
	fc, err := parseFlat(buf, false)
	if err != nil {
		return nil, err
	}
	r, err := fc.noderev(idx)
	if err != nil {
		return nil, err
	}
	return resolve(fc, &r)
}

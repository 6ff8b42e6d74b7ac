package changes

import (
	"encoding/binary"
	"fmt"

	"github.com/jrhy/fsxpack/fstypes"
	"github.com/jrhy/fsxpack/stringtable"
)

// The flat form, used to pass containers through a cache, is
//
//	string table (stringtable flat form)
//	u32 listCount
//	u64 offsets[listCount+1]
//	fixed-size binaryChange records
//
// so that single lists can be read without decoding the rest.

const (
	u32Size = 4
	u64Size = 8
)

var (
	le         = binary.LittleEndian
	recordSize = binary.Size(binaryChange{})
)

// Serialize returns the flat form of c.
func Serialize(c *Container) ([]byte, error) {
	buf := make([]byte, 0, c.strings.Size()+u32Size+len(c.offsets)*u64Size+len(c.changes)*recordSize)
	buf = c.strings.AppendFlat(buf)
	buf = le.AppendUint32(buf, uint32(c.Lists()))
	for _, o := range c.offsets {
		buf = le.AppendUint64(buf, o)
	}
	for i := range c.changes {
		var err error
		buf, err = binary.Append(buf, le, &c.changes[i])
		if err != nil {
			return nil, fmt.Errorf("serialize change %d: %w", i, err)
		}
	}
	return buf, nil
}

type flatContainer struct {
	strings *stringtable.Table
	lists   int
	offsets []byte
	records []byte
}

func parseFlat(buf []byte, validateStrings bool) (*flatContainer, error) {
	n, err := stringtable.FlatSize(buf)
	if err != nil {
		return nil, err
	}
	fc := &flatContainer{}
	if validateStrings {
		fc.strings, err = stringtable.Deserialize(buf[:n])
		if err != nil {
			return nil, err
		}
	} else {
		fc.strings = stringtable.View(buf[:n])
	}
	rest := buf[n:]
	if len(rest) < u32Size {
		return nil, fmt.Errorf("%w: change container truncated", fstypes.ErrCorrupt)
	}
	fc.lists = int(le.Uint32(rest))
	rest = rest[u32Size:]
	if uint64(fc.lists+1)*u64Size > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: %d change lists do not fit", fstypes.ErrCorrupt, fc.lists)
	}
	fc.offsets, fc.records = rest[:(fc.lists+1)*u64Size], rest[(fc.lists+1)*u64Size:]
	if len(fc.records)%recordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes of change records", fstypes.ErrCorrupt, len(fc.records))
	}
	return fc, nil
}

func (fc *flatContainer) offset(i int) uint64 {
	return le.Uint64(fc.offsets[i*u64Size:])
}

func (fc *flatContainer) record(i uint64) (binaryChange, error) {
	var b binaryChange
	if i >= uint64(len(fc.records)/recordSize) {
		return b, fmt.Errorf("%w: change %d out of bounds", fstypes.ErrCorrupt, i)
	}
	off := int(i) * recordSize
	if _, err := binary.Decode(fc.records[off:off+recordSize], le, &b); err != nil {
		return b, fmt.Errorf("%w: change %d: %v", fstypes.ErrCorrupt, i, err)
	}
	return b, b.validate()
}

// Deserialize validates the flat form in buf and returns the container
// it holds.
func Deserialize(buf []byte) (*Container, error) {
	fc, err := parseFlat(buf, true)
	if err != nil {
		return nil, err
	}
	c := &Container{
		strings: fc.strings,
		offsets: make([]uint64, fc.lists+1),
		changes: make([]binaryChange, len(fc.records)/recordSize),
	}
	for i := range c.offsets {
		c.offsets[i] = fc.offset(i)
	}
	for i := range c.changes {
		if c.changes[i], err = fc.record(uint64(i)); err != nil {
			return nil, err
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// GetListFromBuffer reads list idx straight from the flat form in buf,
// with the same result as GetList on the deserialized container.
func GetListFromBuffer(buf []byte, idx int) ([]fstypes.Change, error) {
	fc, err := parseFlat(buf, false)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= fc.lists {
		return nil, fstypes.NewIndexError(idx, fc.lists)
	}
	first, last := fc.offset(idx), fc.offset(idx+1)
	if first > last || last > uint64(len(fc.records)/recordSize) {
		return nil, fmt.Errorf("%w: change list %d spans %d..%d", fstypes.ErrCorrupt, idx, first, last)
	}
	list := make([]fstypes.Change, 0, last-first)
	for i := first; i < last; i++ {
		b, err := fc.record(i)
		if err != nil {
			return nil, err
		}
		list = append(list, b.decode(fc.strings))
	}
	return list, nil
}

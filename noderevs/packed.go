package noderevs

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jrhy/fsxpack/fstypes"
	"github.com/jrhy/fsxpack/packed"
	"github.com/jrhy/fsxpack/stringtable"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	idFields      = 7
	repFields     = 5
	noderevFields = 16

	// packedOverhead bounds the stream headers Write adds beyond the
	// string table, plus the digest count.
	packedOverhead = (4+idFields+2*repFields+noderevFields)*(2+binary.MaxVarintLen32) + binary.MaxVarintLen32
)

func varintSize(v uint64) int { return protowire.SizeVarint(v) }

func signedSize(v int64) int { return protowire.SizeVarint(protowire.EncodeZigZag(v)) }

// storedSize is the larger of the flat and packed encodings of an id.
func (b *binaryID) storedSize() int {
	return max(idSize,
		signedSize(int64(b.NodeID.Revision))+varintSize(b.NodeID.Number)+
			signedSize(int64(b.CopyID.Revision))+varintSize(b.CopyID.Number)+
			signedSize(int64(b.RevID.Revision))+varintSize(b.RevID.Number)+1)
}

// storedSize is the larger of the flat and packed encodings of a
// representation, counting its length-prefixed digests.
func (b *binaryRep) storedSize() int {
	n := 1 + signedSize(int64(b.Revision)) +
		varintSize(b.ItemIndex) + varintSize(b.Size) + varintSize(b.ExpandedSize) +
		1 + md5.Size
	if b.HasSHA1 {
		n += 1 + sha1.Size
	}
	return max(repSize, n)
}

// storedSize is the larger of the flat and packed encodings of a record.
func (r *binaryNodeRev) storedSize() int {
	return max(noderevSize,
		varintSize(uint64(r.Flags))+
			varintSize(uint64(r.ID))+
			varintSize(uint64(r.PredecessorID))+
			signedSize(r.PredecessorCount)+
			signedSize(int64(r.CopyfromRev))+
			varintSize(uint64(r.CopyfromPath))+
			signedSize(int64(r.CopyrootRev))+
			varintSize(uint64(r.CopyrootPath))+
			varintSize(uint64(r.DataRep))+
			varintSize(r.DataUniquifier.TxnID)+
			varintSize(r.DataUniquifier.Number)+
			varintSize(uint64(r.PropRep))+
			varintSize(r.PropUniquifier.TxnID)+
			varintSize(r.PropUniquifier.Number)+
			varintSize(uint64(r.CreatedPath))+
			signedSize(r.MergeinfoCount))
}

func addSubstreams(s *packed.IntStream, n int, signed ...int) []*packed.IntStream {
	subs := make([]*packed.IntStream, n)
	for i := range subs {
		isSigned := false
		for _, j := range signed {
			isSigned = isSigned || i == j
		}
		subs[i] = s.AddSubstream(false, isSigned)
	}
	return subs
}

func nextSubstreams(s *packed.IntStream, name string, n int) ([]*packed.IntStream, int, error) {
	if err := s.Expect(name, 0); err != nil {
		return nil, 0, err
	}
	subs := make([]*packed.IntStream, n)
	for i := range subs {
		subs[i] = s.NextSubstream()
	}
	if err := subs[0].Expect(name+" field 0", 0); err != nil {
		return nil, 0, err
	}
	count := subs[0].Len()
	for i, sub := range subs {
		if err := sub.Expect(fmt.Sprintf("%s field %d", name, i), count); err != nil {
			return nil, 0, err
		}
	}
	return subs, count, nil
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Write adds c to root: its string table, then int streams for ids,
// data representations, property representations and records, each
// with one substream per field, and a byte stream of checksums.
func Write(root *packed.Root, c *Container) {
	stringtable.Write(root, c.strings)
	ids := addSubstreams(root.AddIntStream(false, false), idFields, 0, 2, 4)
	dataReps := addSubstreams(root.AddIntStream(false, false), repFields, 1)
	propReps := addSubstreams(root.AddIntStream(false, false), repFields, 1)
	noderevs := addSubstreams(root.AddIntStream(false, false), noderevFields, 3, 4, 6, 15)
	digests := root.AddByteStream()

	for _, id := range c.ids {
		ids[0].AddInt(int64(id.NodeID.Revision))
		ids[1].Add(id.NodeID.Number)
		ids[2].AddInt(int64(id.CopyID.Revision))
		ids[3].Add(id.CopyID.Number)
		ids[4].AddInt(int64(id.RevID.Revision))
		ids[5].Add(id.RevID.Number)
		ids[6].Add(boolValue(id.InTxn))
	}
	writeReps := func(f []*packed.IntStream, reps []binaryRep) {
		for _, r := range reps {
			f[0].Add(boolValue(r.HasSHA1))
			f[1].AddInt(int64(r.Revision))
			f[2].Add(r.ItemIndex)
			f[3].Add(r.Size)
			f[4].Add(r.ExpandedSize)
			digests.Add(r.MD5[:])
			if r.HasSHA1 {
				digests.Add(r.SHA1[:])
			}
		}
	}
	writeReps(dataReps, c.dataReps)
	writeReps(propReps, c.propReps)
	for _, r := range c.noderevs {
		noderevs[0].Add(uint64(r.Flags))
		noderevs[1].Add(uint64(r.ID))
		noderevs[2].Add(uint64(r.PredecessorID))
		noderevs[3].AddInt(r.PredecessorCount)
		noderevs[4].AddInt(int64(r.CopyfromRev))
		noderevs[5].Add(uint64(r.CopyfromPath))
		noderevs[6].AddInt(int64(r.CopyrootRev))
		noderevs[7].Add(uint64(r.CopyrootPath))
		noderevs[8].Add(uint64(r.DataRep))
		noderevs[9].Add(r.DataUniquifier.TxnID)
		noderevs[10].Add(r.DataUniquifier.Number)
		noderevs[11].Add(uint64(r.PropRep))
		noderevs[12].Add(r.PropUniquifier.TxnID)
		noderevs[13].Add(r.PropUniquifier.Number)
		noderevs[14].Add(uint64(r.CreatedPath))
		noderevs[15].AddInt(r.MergeinfoCount)
	}
}

// WriteBuilder finalizes b and writes the resulting container.
func WriteBuilder(root *packed.Root, b *Builder) *Container {
	c := b.Finalize()
	Write(root, c)
	return c
}

func getU32(s *packed.IntStream, what string) (uint32, error) {
	v := s.Get()
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s %d", fstypes.ErrCorrupt, what, v)
	}
	return uint32(v), nil
}

func getBool(s *packed.IntStream, what string) (bool, error) {
	switch v := s.Get(); v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s %d", fstypes.ErrCorrupt, what, v)
	}
}

// Read reconstructs a container written by Write from the next streams
// of root. Checksums of the wrong length are reported as
// fstypes.ErrCorruptDigest.
func Read(root *packed.Root) (*Container, error) {
	strings, err := stringtable.Read(root)
	if err != nil {
		return nil, fmt.Errorf("read node revision paths: %w", err)
	}
	idStream, dataStream, propStream, noderevStream := root.NextIntStream(), root.NextIntStream(), root.NextIntStream(), root.NextIntStream()
	digests := root.NextByteStream()
	ids, idCount, err := nextSubstreams(idStream, "ids", idFields)
	if err != nil {
		return nil, err
	}
	dataReps, dataCount, err := nextSubstreams(dataStream, "data reps", repFields)
	if err != nil {
		return nil, err
	}
	propReps, propCount, err := nextSubstreams(propStream, "prop reps", repFields)
	if err != nil {
		return nil, err
	}
	noderevs, count, err := nextSubstreams(noderevStream, "node revisions", noderevFields)
	if err != nil {
		return nil, err
	}
	if err := digests.Expect("checksums", dataCount+propCount); err != nil {
		return nil, err
	}

	c := &Container{
		strings:  strings,
		ids:      make([]binaryID, idCount),
		noderevs: make([]binaryNodeRev, count),
	}
	for i := range c.ids {
		id := &c.ids[i]
		id.NodeID = fstypes.IDPart{Revision: fstypes.Revnum(ids[0].GetInt()), Number: ids[1].Get()}
		id.CopyID = fstypes.IDPart{Revision: fstypes.Revnum(ids[2].GetInt()), Number: ids[3].Get()}
		id.RevID = fstypes.IDPart{Revision: fstypes.Revnum(ids[4].GetInt()), Number: ids[5].Get()}
		if id.InTxn, err = getBool(ids[6], "transaction flag"); err != nil {
			return nil, err
		}
	}
	readReps := func(f []*packed.IntStream, n int, kind string) ([]binaryRep, error) {
		reps := make([]binaryRep, n)
		for i := range reps {
			r := &reps[i]
			if r.HasSHA1, err = getBool(f[0], "sha1 flag"); err != nil {
				return nil, err
			}
			r.Revision = fstypes.Revnum(f[1].GetInt())
			r.ItemIndex = f[2].Get()
			r.Size = f[3].Get()
			r.ExpandedSize = f[4].Get()
			md5sum := digests.Get()
			if len(md5sum) != md5.Size {
				return nil, fstypes.DigestError(kind+" md5", len(md5sum), md5.Size)
			}
			copy(r.MD5[:], md5sum)
			if r.HasSHA1 {
				sha1sum := digests.Get()
				if len(sha1sum) != sha1.Size {
					return nil, fstypes.DigestError(kind+" sha1", len(sha1sum), sha1.Size)
				}
				copy(r.SHA1[:], sha1sum)
			}
		}
		return reps, nil
	}
	if c.dataReps, err = readReps(dataReps, dataCount, "data rep"); err != nil {
		return nil, err
	}
	if c.propReps, err = readReps(propReps, propCount, "prop rep"); err != nil {
		return nil, err
	}
	for i := range c.noderevs {
		r := &c.noderevs[i]
		var u32s [4]uint32
		for j, f := range []int{0, 1, 2, 8} {
			if u32s[j], err = getU32(noderevs[f], fmt.Sprintf("node revision %d field %d", i, f)); err != nil {
				return nil, err
			}
		}
		r.Flags, r.ID, r.PredecessorID, r.DataRep = u32s[0], u32s[1], u32s[2], u32s[3]
		r.PredecessorCount = noderevs[3].GetInt()
		r.CopyfromRev = fstypes.Revnum(noderevs[4].GetInt())
		r.CopyfromPath = stringtable.Index(noderevs[5].Get())
		r.CopyrootRev = fstypes.Revnum(noderevs[6].GetInt())
		r.CopyrootPath = stringtable.Index(noderevs[7].Get())
		r.DataUniquifier = fstypes.Uniquifier{TxnID: noderevs[9].Get(), Number: noderevs[10].Get()}
		if r.PropRep, err = getU32(noderevs[11], fmt.Sprintf("node revision %d prop rep", i)); err != nil {
			return nil, err
		}
		r.PropUniquifier = fstypes.Uniquifier{TxnID: noderevs[12].Get(), Number: noderevs[13].Get()}
		r.CreatedPath = stringtable.Index(noderevs[14].Get())
		r.MergeinfoCount = noderevs[15].GetInt()
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

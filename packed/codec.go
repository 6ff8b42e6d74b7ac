package packed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	flagDiff   = 1
	flagSigned = 2

	// maxDepth bounds substream nesting on read.
	maxDepth = 16
	// MaxRootSize is the largest uncompressed root Read will accept.
	MaxRootSize = 1 << 30
)

// ErrCorrupt is returned when serialized data cannot be a valid root.
var ErrCorrupt = errors.New("corrupt packed stream")

// Options controls how a root is written. A nil *Options means
// DefaultOptions.
type Options struct {
	Compression Compression
}

// DefaultOptions compresses with zstd.
var DefaultOptions = Options{Compression: CompressionZstd}

// Reader is what Read needs: it consumes exactly one root and leaves
// the reader positioned after it.
type Reader interface {
	io.Reader
	io.ByteReader
}

// Marshal serializes root into a self-contained byte slice.
func Marshal(root *Root, opts *Options) ([]byte, error) {
	if opts == nil {
		opts = &DefaultOptions
	}
	raw := root.appendPayload(nil)
	payload, c, err := compress(raw, opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	buf := make([]byte, 0, len(payload)+1+2*binary.MaxVarintLen64)
	buf = append(buf, byte(c))
	buf = protowire.AppendVarint(buf, uint64(len(raw)))
	buf = protowire.AppendVarint(buf, uint64(len(payload)))
	return append(buf, payload...), nil
}

// Write writes root to w as one unit.
func Write(w io.Writer, root *Root, opts *Options) error {
	buf, err := Marshal(root, opts)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Unmarshal parses a root previously produced by Marshal. Trailing
// bytes are an error.
func Unmarshal(buf []byte) (*Root, error) {
	r := bytes.NewReader(buf)
	root, err := Read(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return root, nil
}

// Read reads one root from r.
func Read(r Reader) (*Root, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read compression tag: %w", err)
	}
	rawSize, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read raw size: %w", err)
	}
	payloadSize, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if rawSize > MaxRootSize || payloadSize > MaxRootSize {
		return nil, fmt.Errorf("%w: root too large (%d raw, %d stored)", ErrCorrupt, rawSize, payloadSize)
	}
	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	raw, err := decompress(payload, Compression(tag), int(rawSize))
	if err != nil {
		return nil, err
	}
	root, err := parsePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return root, nil
}

func (r *Root) appendPayload(buf []byte) []byte {
	buf = protowire.AppendVarint(buf, uint64(len(r.ints)))
	for _, s := range r.ints {
		buf = s.appendStructure(buf)
	}
	buf = protowire.AppendVarint(buf, uint64(len(r.bytes)))
	for _, s := range r.bytes {
		buf = protowire.AppendVarint(buf, uint64(len(s.values)))
	}
	for _, s := range r.ints {
		buf = s.appendValues(buf)
	}
	for _, s := range r.bytes {
		for _, v := range s.values {
			buf = protowire.AppendBytes(buf, v)
		}
	}
	return buf
}

func (s *IntStream) appendStructure(buf []byte) []byte {
	var flags uint64
	if s.diff {
		flags |= flagDiff
	}
	if s.signed {
		flags |= flagSigned
	}
	buf = protowire.AppendVarint(buf, flags)
	buf = protowire.AppendVarint(buf, uint64(len(s.values)))
	buf = protowire.AppendVarint(buf, uint64(len(s.subs)))
	for _, sub := range s.subs {
		buf = sub.appendStructure(buf)
	}
	return buf
}

func (s *IntStream) appendValues(buf []byte) []byte {
	var prev uint64
	for _, v := range s.values {
		switch {
		case s.diff:
			buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(v-prev)))
			prev = v
		case s.signed:
			buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(v)))
		default:
			buf = protowire.AppendVarint(buf, v)
		}
	}
	for _, sub := range s.subs {
		buf = sub.appendValues(buf)
	}
	return buf
}

type payloadParser struct {
	buf []byte
}

func (p *payloadParser) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(p.buf)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
	}
	p.buf = p.buf[n:]
	return v, nil
}

// count reads a length that must be satisfiable by the remaining input,
// given that each counted item takes at least one byte.
func (p *payloadParser) count() (int, error) {
	v, err := p.varint()
	if err != nil {
		return 0, err
	}
	if v > uint64(len(p.buf)) {
		return 0, fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrCorrupt, v, len(p.buf))
	}
	return int(v), nil
}

func parsePayload(buf []byte) (*Root, error) {
	p := &payloadParser{buf: buf}
	root := &Root{}
	n, err := p.count()
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		s, err := p.structure(0)
		if err != nil {
			return nil, err
		}
		root.ints = append(root.ints, s)
	}
	n, err = p.count()
	if err != nil {
		return nil, err
	}
	byteCounts := make([]int, n)
	for i := range byteCounts {
		if byteCounts[i], err = p.count(); err != nil {
			return nil, err
		}
	}
	for _, s := range root.ints {
		if err := p.values(s); err != nil {
			return nil, err
		}
	}
	for _, count := range byteCounts {
		s := &ByteStream{values: make([][]byte, count)}
		for j := range s.values {
			v, n := protowire.ConsumeBytes(p.buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			s.values[j] = v
			p.buf = p.buf[n:]
		}
		root.bytes = append(root.bytes, s)
	}
	if len(p.buf) != 0 {
		return nil, fmt.Errorf("%w: %d unparsed bytes", ErrCorrupt, len(p.buf))
	}
	return root, nil
}

func (p *payloadParser) structure(depth int) (*IntStream, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: substreams nested deeper than %d", ErrCorrupt, maxDepth)
	}
	flags, err := p.varint()
	if err != nil {
		return nil, err
	}
	if flags&^(flagDiff|flagSigned) != 0 {
		return nil, fmt.Errorf("%w: unknown stream flags %#x", ErrCorrupt, flags)
	}
	valueCount, err := p.count()
	if err != nil {
		return nil, err
	}
	subCount, err := p.count()
	if err != nil {
		return nil, err
	}
	s := &IntStream{
		diff:   flags&flagDiff != 0,
		signed: flags&flagSigned != 0,
		values: make([]uint64, valueCount),
	}
	for i := 0; i < subCount; i++ {
		sub, err := p.structure(depth + 1)
		if err != nil {
			return nil, err
		}
		s.subs = append(s.subs, sub)
	}
	return s, nil
}

func (p *payloadParser) values(s *IntStream) error {
	var prev uint64
	for i := range s.values {
		v, err := p.varint()
		if err != nil {
			return err
		}
		switch {
		case s.diff:
			prev += uint64(protowire.DecodeZigZag(v))
			s.values[i] = prev
		case s.signed:
			s.values[i] = uint64(protowire.DecodeZigZag(v))
		default:
			s.values[i] = v
		}
	}
	for _, sub := range s.subs {
		if err := p.values(sub); err != nil {
			return err
		}
	}
	return nil
}

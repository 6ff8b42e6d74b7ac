package packed

import "fmt"

// IntStream is an ordered sequence of integers, possibly with nested substreams.
type IntStream struct {
	diff    bool
	signed  bool
	values  []uint64
	subs    []*IntStream
	readPos int
	nextSub int
}

// ByteStream is an ordered sequence of length-prefixed byte ranges.
type ByteStream struct {
	values  [][]byte
	readPos int
}

// Root is the unit of serialization: a set of top-level int and byte streams.
type Root struct {
	ints     []*IntStream
	bytes    []*ByteStream
	nextInt  int
	nextByte int
}

// NewRoot creates an empty root for writing.
func NewRoot() *Root {
	return &Root{}
}

// AddIntStream creates a new top-level integer stream.
func (r *Root) AddIntStream(diff, signed bool) *IntStream {
	s := &IntStream{diff: diff, signed: signed}
	r.ints = append(r.ints, s)
	return s
}

// AddByteStream creates a new top-level byte stream.
func (r *Root) AddByteStream() *ByteStream {
	s := &ByteStream{}
	r.bytes = append(r.bytes, s)
	return s
}

// NextIntStream returns the top-level int streams in creation order,
// then nil once they are exhausted.
func (r *Root) NextIntStream() *IntStream {
	if r.nextInt >= len(r.ints) {
		return nil
	}
	s := r.ints[r.nextInt]
	r.nextInt++
	return s
}

// NextByteStream returns the top-level byte streams in creation order,
// then nil once they are exhausted.
func (r *Root) NextByteStream() *ByteStream {
	if r.nextByte >= len(r.bytes) {
		return nil
	}
	s := r.bytes[r.nextByte]
	r.nextByte++
	return s
}

// IntStreamCount returns the number of top-level int streams.
func (r *Root) IntStreamCount() int { return len(r.ints) }

// ByteStreamCount returns the number of top-level byte streams.
func (r *Root) ByteStreamCount() int { return len(r.bytes) }

// AddSubstream creates a new substream nested under s.
func (s *IntStream) AddSubstream(diff, signed bool) *IntStream {
	sub := &IntStream{diff: diff, signed: signed}
	s.subs = append(s.subs, sub)
	return sub
}

// NextSubstream returns the substreams of s in creation order, then nil.
func (s *IntStream) NextSubstream() *IntStream {
	if s.nextSub >= len(s.subs) {
		return nil
	}
	sub := s.subs[s.nextSub]
	s.nextSub++
	return sub
}

// Substreams returns the number of substreams.
func (s *IntStream) Substreams() int { return len(s.subs) }

// Add appends an unsigned value.
func (s *IntStream) Add(v uint64) {
	s.values = append(s.values, v)
}

// AddInt appends a signed value. The stream should have been created
// with signed=true for negative values to encode compactly.
func (s *IntStream) AddInt(v int64) {
	s.values = append(s.values, uint64(v))
}

// Get returns the next unsigned value, or 0 once the stream is drained.
func (s *IntStream) Get() uint64 {
	if s.readPos >= len(s.values) {
		return 0
	}
	v := s.values[s.readPos]
	s.readPos++
	return v
}

// GetInt returns the next signed value, or 0 once the stream is drained.
func (s *IntStream) GetInt() int64 {
	return int64(s.Get())
}

// Len returns the number of values in s, not counting substreams.
func (s *IntStream) Len() int { return len(s.values) }

// Remaining returns how many values have not been read yet.
func (s *IntStream) Remaining() int { return len(s.values) - s.readPos }

// Add appends a copy of b.
func (s *ByteStream) Add(b []byte) {
	s.values = append(s.values, append([]byte(nil), b...))
}

// Get returns the next byte range, or nil once the stream is drained.
// The returned slice must not be modified.
func (s *ByteStream) Get() []byte {
	if s.readPos >= len(s.values) {
		return nil
	}
	v := s.values[s.readPos]
	s.readPos++
	return v
}

// Len returns the number of byte ranges in s.
func (s *ByteStream) Len() int { return len(s.values) }

// Remaining returns how many byte ranges have not been read yet.
func (s *ByteStream) Remaining() int { return len(s.values) - s.readPos }

// Expect checks that a stream obtained during reading exists and
// holds at least n values, the usual guard before draining it.
func (s *IntStream) Expect(name string, n int) error {
	if s == nil {
		return fmt.Errorf("%w: missing int stream %s", ErrCorrupt, name)
	}
	if s.Remaining() < n {
		return fmt.Errorf("%w: int stream %s has %d values, need %d", ErrCorrupt, name, s.Remaining(), n)
	}
	return nil
}

// Expect checks that a byte stream obtained during reading exists and
// holds at least n ranges.
func (s *ByteStream) Expect(name string, n int) error {
	if s == nil {
		return fmt.Errorf("%w: missing byte stream %s", ErrCorrupt, name)
	}
	if s.Remaining() < n {
		return fmt.Errorf("%w: byte stream %s has %d ranges, need %d", ErrCorrupt, name, s.Remaining(), n)
	}
	return nil
}

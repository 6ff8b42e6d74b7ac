package fstypes

import (
	"errors"
	"fmt"
)

var (
	// ErrContainerIndex is matched by every *IndexError.
	ErrContainerIndex = errors.New("container index out of range")
	// ErrCorruptDigest reports a stored checksum of the wrong length.
	ErrCorruptDigest = errors.New("corrupt stored digest")
	// ErrFinalized is the panic value when a builder is used after Finalize.
	ErrFinalized = errors.New("builder already finalized")
	// ErrCorrupt reports stored container data that is internally inconsistent.
	ErrCorrupt = errors.New("corrupt container data")
)

// IndexError is returned by indexed reads outside a container.
type IndexError struct {
	Index int
	Size  int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s: index %d, size %d", ErrContainerIndex, e.Index, e.Size)
}

func (e *IndexError) Unwrap() error { return ErrContainerIndex }

// NewIndexError returns an *IndexError for index in a container of size.
func NewIndexError(index, size int) error {
	return &IndexError{Index: index, Size: size}
}

// DigestError returns an ErrCorruptDigest for a checksum of got bytes
// where want were expected.
func DigestError(kind string, got, want int) error {
	return fmt.Errorf("%w: %s digest is %d bytes, want %d", ErrCorruptDigest, kind, got, want)
}

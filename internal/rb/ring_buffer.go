// Package rb provides a lock-free single producer/single consumer ring of bytes.
//
// Two variants implement the same Ring interface: Sequential is the reference
// layout and Optimized trades a little memory for fewer shared cache lines.
// Producer side calls (Write, WriteFull, SpaceRegion, FillWriteSegments, Produce)
// must come from one goroutine, consumer side calls (Read, DataRegion,
// FillReadSegments, Consume) from one other goroutine. Queries may be called
// from anywhere but only give advisory results while the other side runs.
package rb

import (
	"errors"
	"fmt"
)

var (
	// ErrFull is returned by WriteFull when the whole slice does not fit.
	ErrFull = errors.New("ring buffer: buffer is full")

	// ErrInvalidArgument is returned by the checked advance calls when the
	// caller claims more bytes than the ring can account for.
	ErrInvalidArgument = errors.New("ring buffer: invalid argument")

	// ErrCapacity is returned by the constructors for an unusable capacity.
	ErrCapacity = errors.New("ring buffer: invalid capacity")

	// ErrStaleRegion is returned when a region is committed after its side
	// of the ring has already been advanced.
	ErrStaleRegion = errors.New("ring buffer: stale region")
)

// Kind is the buffer variant.
type Kind uint8

const (
	// KindSequential is the reference variant.
	KindSequential Kind = iota
	// KindOptimized is the padded variant.
	KindOptimized
)

func (k Kind) String() string {
	switch k {
	case KindSequential:
		return "sequential"
	case KindOptimized:
		return "optimized"
	default:
		return "unknown"
	}
}

// ParseKind returns the kind matching the given name.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "sequential", "seq":
		return KindSequential, nil
	case "optimized", "opt":
		return KindOptimized, nil
	default:
		return 0, fmt.Errorf("ring buffer: unknown kind %q", name)
	}
}

// State is a snapshot of the position counters.
type State struct {
	Capacity int
	Head     uint32
	Tail     uint32
	Occupied int
}

// Ring is the capability set shared by every buffer variant.
type Ring interface {
	// Capacity returns the size of the ring in bytes.
	Capacity() int
	// Occupied returns the number of unread bytes.
	Occupied() int
	// Free returns the number of writable bytes.
	Free() int
	// State returns a snapshot of the counters.
	State() State

	// Write copies as much of p as fits and reports whether the ring
	// was empty before the call.
	Write(p []byte) (wasEmpty bool, n int)
	// WriteFull copies all of p or nothing.
	WriteFull(p []byte) (wasEmpty bool, n int, err error)
	// Read copies up to len(p) bytes and reports whether the ring
	// was full before the call. A call moving no bytes, including an
	// empty p on a full ring, reports false.
	Read(p []byte) (wasFull bool, n int)

	// DataRegion returns the first contiguous run of unread bytes.
	DataRegion() (Region, bool)
	// SpaceRegion returns the first contiguous run of writable bytes.
	SpaceRegion() (Region, bool)

	// FillReadSegments describes the unread bytes in at most two runs.
	FillReadSegments(segs *Segments)
	// FillWriteSegments describes the writable bytes in at most two runs.
	FillWriteSegments(segs *Segments)

	// Produce publishes n bytes written into the space region.
	Produce(n int) bool
	// ProduceChecked is Produce failing on overrun.
	ProduceChecked(n int) (bool, error)
	// Consume releases n bytes read from the data region.
	Consume(n int) bool
	// ConsumeChecked is Consume failing on overrun.
	ConsumeChecked(n int) (bool, error)
}

// New returns a ring of the given kind holding capacity bytes.
// The sequential variant needs a power of two multiple of 8,
// the optimized one rounds capacity up to the next power of two.
func New(capacity uint32, kind Kind) (Ring, error) {
	switch kind {
	case KindSequential:
		if capacity%wordSize != 0 {
			return nil, fmt.Errorf("%w: %d is not a multiple of %d", ErrCapacity, capacity, wordSize)
		}
		ring, err := NewSequential(capacity / wordSize)
		if err != nil {
			return nil, err
		}
		return ring, nil

	case KindOptimized:
		ring, err := NewOptimized(capacity)
		if err != nil {
			return nil, err
		}
		return ring, nil

	default:
		return nil, fmt.Errorf("ring buffer: unknown kind %d", kind)
	}
}

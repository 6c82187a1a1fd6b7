package rb

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// wordSize is the size in bytes of a storage element of the sequential variant.
const wordSize = 8

var _ Ring = (*Sequential)(nil)

// Sequential is the reference ring: word sized storage elements,
// plain counters and every access sequentially consistent.
type Sequential struct {
	// words keeps the storage 8 bytes aligned, st views it as bytes.
	words []uint64
	st    storage

	head atomic.Uint32
	tail atomic.Uint32
}

// NewSequential returns a sequential ring made of count 8 bytes elements.
// The count must be a power of two.
func NewSequential(count uint32) (*Sequential, error) {
	if !isPowerOf2(count) || uint64(count)*wordSize > MaxCapacity {
		return nil, fmt.Errorf("%w: %d elements", ErrCapacity, count)
	}

	words := make([]uint64, count)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*wordSize)

	return &Sequential{
		words: words,
		st:    newStorage(buf),
	}, nil
}

// Capacity returns the size of the ring in bytes.
func (r *Sequential) Capacity() int {
	return int(r.st.capacity)
}

// Occupied returns the number of unread bytes.
func (r *Sequential) Occupied() int {
	return r.State().Occupied
}

// Free returns the number of writable bytes.
func (r *Sequential) Free() int {
	return r.Capacity() - r.Occupied()
}

// State returns a snapshot of the counters.
func (r *Sequential) State() State {
	head := r.head.Load()
	tail := r.tail.Load()

	return newState(&r.st, head, tail)
}

// Write copies as much of p as fits.
func (r *Sequential) Write(p []byte) (bool, int) {
	head := r.head.Load()
	tail := r.tail.Load()

	return r.write(head, tail, p)
}

// WriteFull copies all of p or fails with ErrFull.
func (r *Sequential) WriteFull(p []byte) (bool, int, error) {
	head := r.head.Load()
	tail := r.tail.Load()

	free := r.st.free(head, tail)
	if uint64(len(p)) > uint64(free) {
		return false, 0, fmt.Errorf("%w: %d bytes requested, %d free", ErrFull, len(p), free)
	}

	wasEmpty, n := r.write(head, tail, p)
	return wasEmpty, n, nil
}

func (r *Sequential) write(head, tail uint32, p []byte) (bool, int) {
	n := clampLen(len(p), r.st.free(head, tail))
	if n == 0 {
		return false, 0
	}

	r.st.copyIn(tail, p[:n])
	r.tail.Store(tail + n)

	return head == tail, int(n)
}

// Read copies up to len(p) unread bytes into p.
// The trigger is only reported when bytes are moved, so an empty p
// on a full ring returns (false, 0).
func (r *Sequential) Read(p []byte) (bool, int) {
	head := r.head.Load()
	tail := r.tail.Load()

	occupied := r.st.occupied(head, tail)

	n := clampLen(len(p), occupied)
	if n == 0 {
		return false, 0
	}

	r.st.copyOut(head, p[:n])
	r.head.Store(head + n)

	return occupied == r.st.capacity, int(n)
}

// DataRegion returns the first contiguous run of unread bytes.
func (r *Sequential) DataRegion() (Region, bool) {
	head := r.head.Load()
	tail := r.tail.Load()

	sp := r.st.dataSpan(head, tail)
	if sp.first == 0 {
		return Region{}, false
	}

	return newRegion(r, &r.st, sp, head, regionSideData), true
}

// SpaceRegion returns the first contiguous run of writable bytes.
func (r *Sequential) SpaceRegion() (Region, bool) {
	head := r.head.Load()
	tail := r.tail.Load()

	sp := r.st.spaceSpan(head, tail)
	if sp.first == 0 {
		return Region{}, false
	}

	return newRegion(r, &r.st, sp, tail, regionSideSpace), true
}

// FillReadSegments describes the unread bytes.
func (r *Sequential) FillReadSegments(segs *Segments) {
	head := r.head.Load()
	tail := r.tail.Load()

	r.st.fill(segs, r.st.dataSpan(head, tail))
}

// FillWriteSegments describes the writable bytes.
func (r *Sequential) FillWriteSegments(segs *Segments) {
	head := r.head.Load()
	tail := r.tail.Load()

	r.st.fill(segs, r.st.spaceSpan(head, tail))
}

// Produce publishes n bytes, saturating at the free space.
// It reports whether the ring was empty before the advance.
//
// The trigger is computed from a second load of head taken after the new
// tail is published, so it can be wrong both ways:
//   - false on an empty ring, when the consumer already drained part of the
//     new bytes; the consumer is awake in that case since it just read.
//   - true on a ring that was not empty, when the consumer drained exactly up
//     to the old tail between the two loads of head; the extra wake-up is harmless.
func (r *Sequential) Produce(n int) bool {
	head := r.head.Load()
	tail := r.tail.Load()

	count := clampLen(n, r.st.free(head, tail))
	if count == 0 {
		return false
	}

	r.tail.Store(tail + count)

	head = r.head.Load()
	return tail-head == 0
}

// ProduceChecked is Produce failing with ErrInvalidArgument
// when n is negative or exceeds the free space.
func (r *Sequential) ProduceChecked(n int) (bool, error) {
	free := uint32(r.Free())
	if !checkLen(n, free) {
		return false, fmt.Errorf("%w: produce %d bytes with %d free", ErrInvalidArgument, n, free)
	}

	return r.Produce(n), nil
}

// Consume releases n bytes, saturating at the occupancy.
// It reports whether the ring was full before the advance.
// Like Produce, the trigger comes from a second load of tail and can be wrong both ways:
//   - false on a full ring, when the producer already refilled part of the
//     released space.
//   - true on a ring that was not full, when the producer filled exactly up
//     to the old head plus capacity between the two loads of tail.
func (r *Sequential) Consume(n int) bool {
	head := r.head.Load()
	tail := r.tail.Load()

	count := clampLen(n, r.st.occupied(head, tail))
	if count == 0 {
		return false
	}

	r.head.Store(head + count)

	tail = r.tail.Load()
	return tail-head == r.st.capacity
}

// ConsumeChecked is Consume failing with ErrInvalidArgument
// when n is negative or exceeds the occupancy.
func (r *Sequential) ConsumeChecked(n int) (bool, error) {
	occupied := uint32(r.Occupied())
	if !checkLen(n, occupied) {
		return false, fmt.Errorf("%w: consume %d bytes with %d occupied", ErrInvalidArgument, n, occupied)
	}

	return r.Consume(n), nil
}

func newState(st *storage, head, tail uint32) State {
	// A third party can observe an old head with a newer tail.
	occupied := min(st.occupied(head, tail), st.capacity)

	return State{
		Capacity: int(st.capacity),
		Head:     head,
		Tail:     tail,
		Occupied: int(occupied),
	}
}

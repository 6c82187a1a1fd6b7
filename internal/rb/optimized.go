package rb

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

var _ Ring = (*Optimized)(nil)

// Optimized is a ring with byte storage and each counter on its own cache line.
// The producer and the consumer keep a private copy of the counter they own,
// so every call performs a single atomic load of the opposite counter.
type Optimized struct {
	st storage

	_ cpu.CacheLinePad

	head atomic.Uint32

	_ cpu.CacheLinePad

	tail atomic.Uint32

	_ cpu.CacheLinePad

	// prodTail is only touched by the producer.
	prodTail uint32

	_ cpu.CacheLinePad

	// consHead is only touched by the consumer.
	consHead uint32

	_ cpu.CacheLinePad
}

// NewOptimized returns an optimized ring of capacity bytes
// rounded up to the next power of two.
func NewOptimized(capacity uint32) (*Optimized, error) {
	if capacity == 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d bytes", ErrCapacity, capacity)
	}

	return &Optimized{
		st: newStorage(make([]byte, roundToPowerOf2(capacity))),
	}, nil
}

// Capacity returns the size of the ring in bytes.
func (r *Optimized) Capacity() int {
	return int(r.st.capacity)
}

// Occupied returns the number of unread bytes.
func (r *Optimized) Occupied() int {
	return r.State().Occupied
}

// Free returns the number of writable bytes.
func (r *Optimized) Free() int {
	return r.Capacity() - r.Occupied()
}

// State returns a snapshot of the counters.
func (r *Optimized) State() State {
	head := r.head.Load()
	tail := r.tail.Load()

	return newState(&r.st, head, tail)
}

func (r *Optimized) producerView() (head, tail uint32) {
	return r.head.Load(), r.prodTail
}

func (r *Optimized) consumerView() (head, tail uint32) {
	return r.consHead, r.tail.Load()
}

func (r *Optimized) publishTail(tail uint32) {
	r.prodTail = tail
	r.tail.Store(tail)
}

func (r *Optimized) publishHead(head uint32) {
	r.consHead = head
	r.head.Store(head)
}

// Write copies as much of p as fits.
func (r *Optimized) Write(p []byte) (bool, int) {
	head, tail := r.producerView()

	return r.write(head, tail, p)
}

// WriteFull copies all of p or fails with ErrFull.
func (r *Optimized) WriteFull(p []byte) (bool, int, error) {
	head, tail := r.producerView()

	free := r.st.free(head, tail)
	if uint64(len(p)) > uint64(free) {
		return false, 0, fmt.Errorf("%w: %d bytes requested, %d free", ErrFull, len(p), free)
	}

	wasEmpty, n := r.write(head, tail, p)
	return wasEmpty, n, nil
}

func (r *Optimized) write(head, tail uint32, p []byte) (bool, int) {
	n := clampLen(len(p), r.st.free(head, tail))
	if n == 0 {
		return false, 0
	}

	r.st.copyIn(tail, p[:n])
	r.publishTail(tail + n)

	return head == tail, int(n)
}

// Read copies up to len(p) unread bytes into p.
// The trigger is only reported when bytes are moved, so an empty p
// on a full ring returns (false, 0).
func (r *Optimized) Read(p []byte) (bool, int) {
	head, tail := r.consumerView()

	occupied := r.st.occupied(head, tail)

	n := clampLen(len(p), occupied)
	if n == 0 {
		return false, 0
	}

	r.st.copyOut(head, p[:n])
	r.publishHead(head + n)

	return occupied == r.st.capacity, int(n)
}

// DataRegion returns the first contiguous run of unread bytes.
func (r *Optimized) DataRegion() (Region, bool) {
	head, tail := r.consumerView()

	sp := r.st.dataSpan(head, tail)
	if sp.first == 0 {
		return Region{}, false
	}

	return newRegion(r, &r.st, sp, head, regionSideData), true
}

// SpaceRegion returns the first contiguous run of writable bytes.
func (r *Optimized) SpaceRegion() (Region, bool) {
	head, tail := r.producerView()

	sp := r.st.spaceSpan(head, tail)
	if sp.first == 0 {
		return Region{}, false
	}

	return newRegion(r, &r.st, sp, tail, regionSideSpace), true
}

// FillReadSegments describes the unread bytes.
func (r *Optimized) FillReadSegments(segs *Segments) {
	head, tail := r.consumerView()

	r.st.fill(segs, r.st.dataSpan(head, tail))
}

// FillWriteSegments describes the writable bytes.
func (r *Optimized) FillWriteSegments(segs *Segments) {
	head, tail := r.producerView()

	r.st.fill(segs, r.st.spaceSpan(head, tail))
}

// Produce publishes n bytes, saturating at the free space.
// The trigger comes from the same snapshot used to bound n.
func (r *Optimized) Produce(n int) bool {
	head, tail := r.producerView()

	occupied := r.st.occupied(head, tail)

	count := clampLen(n, r.st.capacity-occupied)
	if count == 0 {
		return false
	}

	r.publishTail(tail + count)

	return occupied == 0
}

// ProduceChecked is Produce failing with ErrInvalidArgument
// when n is negative or exceeds the free space.
func (r *Optimized) ProduceChecked(n int) (bool, error) {
	head, tail := r.producerView()

	free := r.st.free(head, tail)
	if !checkLen(n, free) {
		return false, fmt.Errorf("%w: produce %d bytes with %d free", ErrInvalidArgument, n, free)
	}

	return r.Produce(n), nil
}

// Consume releases n bytes, saturating at the occupancy.
// The trigger comes from the same snapshot used to bound n.
func (r *Optimized) Consume(n int) bool {
	head, tail := r.consumerView()

	occupied := r.st.occupied(head, tail)

	count := clampLen(n, occupied)
	if count == 0 {
		return false
	}

	r.publishHead(head + count)

	return occupied == r.st.capacity
}

// ConsumeChecked is Consume failing with ErrInvalidArgument
// when n is negative or exceeds the occupancy.
func (r *Optimized) ConsumeChecked(n int) (bool, error) {
	head, tail := r.consumerView()

	occupied := r.st.occupied(head, tail)
	if !checkLen(n, occupied) {
		return false, fmt.Errorf("%w: consume %d bytes with %d occupied", ErrInvalidArgument, n, occupied)
	}

	return r.Consume(n), nil
}

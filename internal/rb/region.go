package rb

import (
	"fmt"
	"unsafe"
)

type regionSide uint8

const (
	regionSideData regionSide = iota
	regionSideSpace
)

// Region is a view over one contiguous run of the ring storage.
//
// A data region may be read in place and a space region written in place.
// The view is only meaningful until the matching side of the ring advances:
// after a Consume (data) or Produce (space) the bytes belong to the other side again.
// Commit performs that advance and rejects a region that is already stale.
type Region struct {
	ring Ring
	buf  []byte

	start uint32
	more  bool
	side  regionSide
}

// Bytes returns the run. Do not retain it after the region is committed.
func (r Region) Bytes() []byte {
	return r.buf
}

// Len returns the length of the run.
func (r Region) Len() int {
	return len(r.buf)
}

// MoreAfterWrap states whether more bytes follow at the start of the storage.
// They are returned by the next region call after this one is committed.
func (r Region) MoreAfterWrap() bool {
	return r.more
}

// Pointer returns the address of the first byte of the run,
// for handing the region to code that works with raw addresses.
func (r Region) Pointer() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(r.buf))
}

// Commit advances the ring by n bytes of this region: a data region consumes,
// a space region produces. The returned trigger is the one of Consume/Produce.
func (r Region) Commit(n int) (bool, error) {
	if r.ring == nil {
		return false, ErrStaleRegion
	}

	if n < 0 || n > len(r.buf) {
		return false, fmt.Errorf("%w: commit of %d bytes on a region of %d bytes", ErrInvalidArgument, n, len(r.buf))
	}

	state := r.ring.State()

	switch r.side {
	case regionSideData:
		if state.Head != r.start {
			return false, ErrStaleRegion
		}
		return r.ring.ConsumeChecked(n)

	default:
		if state.Tail != r.start {
			return false, ErrStaleRegion
		}
		return r.ring.ProduceChecked(n)
	}
}

func newRegion(ring Ring, st *storage, sp span, start uint32, side regionSide) Region {
	return Region{
		ring:  ring,
		buf:   st.firstRun(sp),
		start: start,
		more:  sp.wrapped(),
		side:  side,
	}
}

package rb

import "math/bits"

// MaxCapacity is the largest supported capacity in bytes.
// Keeping it far below 2^31 makes the modular difference of the
// 32-bit positions always equal to the true occupancy.
const MaxCapacity = 1 << 30

func isPowerOf2(x uint32) bool {
	return x != 0 && x&(x-1) == 0
}

func roundToPowerOf2(x uint32) uint32 {
	if x <= 1 {
		return 1
	}

	if isPowerOf2(x) {
		return x
	}

	return 1 << bits.Len32(x-1)
}

// span describes the decomposition of a logically contiguous range
// of the ring into at most two physical runs.
type span struct {
	pos    uint32
	first  uint32
	second uint32
}

func (s span) total() uint32 {
	return s.first + s.second
}

func (s span) wrapped() bool {
	return s.second > 0
}

// storage is the index arithmetic shared by both variants.
// It never touches the position counters, callers pass a snapshot.
type storage struct {
	buf []byte

	capacity uint32
	capMask  uint32
}

func newStorage(buf []byte) storage {
	capacity := uint32(len(buf))

	return storage{
		buf:      buf,
		capacity: capacity,
		capMask:  capacity - 1,
	}
}

func (s *storage) occupied(head, tail uint32) uint32 {
	return tail - head
}

func (s *storage) free(head, tail uint32) uint32 {
	return s.capacity - (tail - head)
}

// split maps a logical position and a length onto the physical buffer.
func (s *storage) split(logicalPos, length uint32) span {
	pos := logicalPos & s.capMask

	toEnd := s.capacity - pos
	if toEnd < length {
		return span{pos: pos, first: toEnd, second: length - toEnd}
	}

	return span{pos: pos, first: length}
}

func (s *storage) dataSpan(head, tail uint32) span {
	return s.split(head, s.occupied(head, tail))
}

func (s *storage) spaceSpan(head, tail uint32) span {
	return s.split(tail, s.free(head, tail))
}

func (s *storage) firstRun(sp span) []byte {
	return s.buf[sp.pos : sp.pos+sp.first : sp.pos+sp.first]
}

func (s *storage) secondRun(sp span) []byte {
	return s.buf[:sp.second:sp.second]
}

// copyIn copies p into the ring starting at the logical position tail.
// The caller must have checked that len(p) bytes are free.
func (s *storage) copyIn(tail uint32, p []byte) {
	sp := s.split(tail, uint32(len(p)))

	copy(s.buf[sp.pos:sp.pos+sp.first], p[:sp.first])

	if sp.wrapped() {
		copy(s.buf[:sp.second], p[sp.first:])
	}
}

// copyOut copies len(p) bytes out of the ring starting at the logical position head.
// The caller must have checked that len(p) bytes are occupied.
func (s *storage) copyOut(head uint32, p []byte) {
	sp := s.split(head, uint32(len(p)))

	copy(p[:sp.first], s.buf[sp.pos:sp.pos+sp.first])

	if sp.wrapped() {
		copy(p[sp.first:], s.buf[:sp.second])
	}
}

func (s *storage) fill(segs *Segments, sp span) {
	segs.checkSlots()

	switch {
	case sp.first == 0:
		segs.Count = 0

	case sp.wrapped():
		segs.Iovs[0] = s.firstRun(sp)
		segs.Iovs[1] = s.secondRun(sp)
		segs.Count = 2

	default:
		segs.Iovs[0] = s.firstRun(sp)
		segs.Count = 1
	}
}

// clampLen converts a caller supplied length into a uint32 bounded by limit.
// Negative lengths become zero.
func clampLen(n int, limit uint32) uint32 {
	if n <= 0 {
		return 0
	}

	if uint64(n) > uint64(limit) {
		return limit
	}

	return uint32(n)
}

// checkLen reports whether n is a valid advance given limit bytes available.
func checkLen(n int, limit uint32) bool {
	return n >= 0 && uint64(n) <= uint64(limit)
}

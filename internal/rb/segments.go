package rb

// SegmentSlots is the number of slots a Segments list must provide.
const SegmentSlots = 2

// Segments is a caller owned list of runs used for vectored I/O.
type Segments struct {
	// Iovs holds the runs, only the first Count entries are valid.
	// It must have at least SegmentSlots entries.
	Iovs [][]byte
	// Count is the number of valid entries.
	Count int
}

// NewSegments returns a list with room for SegmentSlots runs.
func NewSegments() *Segments {
	return &Segments{
		Iovs: make([][]byte, SegmentSlots),
	}
}

func (s *Segments) checkSlots() {
	if len(s.Iovs) < SegmentSlots {
		panic("ring buffer: segments need at least 2 slots")
	}

	s.Iovs[0] = nil
	s.Iovs[1] = nil
}

// Slices returns the valid runs.
func (s *Segments) Slices() [][]byte {
	return s.Iovs[:s.Count]
}

// Len returns the total length of the valid runs.
func (s *Segments) Len() int {
	total := 0
	for _, iov := range s.Slices() {
		total += len(iov)
	}
	return total
}

// Package bytering provides a lock-free single producer/single consumer
// ring of bytes, a blocking pipe built on top of it, and a small pipeline
// of ingress and egress stages moving streams through pipes.
package bytering

import (
	"unsafe"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/internal/rb"
	"github.com/FerroO2000/bytering/pipe"
)

// Ring is the capability set shared by every ring variant.
type Ring = rb.Ring

// Kind is the ring variant.
type Kind = rb.Kind

// Region is a zero-copy view over one contiguous run of a ring.
type Region = rb.Region

// Segments is a caller owned list of runs used for vectored I/O.
type Segments = rb.Segments

// State is a snapshot of the position counters of a ring.
type State = rb.State

// Sequential is the reference ring variant.
type Sequential = rb.Sequential

// Optimized is the cache line padded ring variant.
type Optimized = rb.Optimized

// Pipe is a blocking stream over a ring.
type Pipe = pipe.Pipe

const (
	// KindSequential selects the reference variant.
	KindSequential = rb.KindSequential
	// KindOptimized selects the padded variant.
	KindOptimized = rb.KindOptimized

	// MaxCapacity is the largest capacity of a ring.
	MaxCapacity = rb.MaxCapacity
)

var (
	// ErrFull is returned by WriteFull when the whole slice does not fit.
	ErrFull = rb.ErrFull
	// ErrInvalidArgument is returned by the checked advance calls on overrun.
	ErrInvalidArgument = rb.ErrInvalidArgument
	// ErrCapacity is returned for an unusable capacity.
	ErrCapacity = rb.ErrCapacity
	// ErrStaleRegion is returned when a region is committed too late.
	ErrStaleRegion = rb.ErrStaleRegion
	// ErrClosed is returned when writing to a closed pipe.
	ErrClosed = pipe.ErrClosed
)

// NewRing returns a ring of the given kind holding capacity bytes.
func NewRing(capacity uint32, kind Kind) (Ring, error) {
	return rb.New(capacity, kind)
}

// NewSequential returns a sequential ring of count 8 byte words.
func NewSequential(count uint32) (*Sequential, error) {
	return rb.NewSequential(count)
}

// NewOptimized returns an optimized ring of capacity bytes,
// rounded up to the next power of two.
func NewOptimized(capacity uint32) (*Optimized, error) {
	return rb.NewOptimized(capacity)
}

// NewSegments returns a list with room for the two runs of a ring.
func NewSegments() *Segments {
	return rb.NewSegments()
}

// ParseKind returns the kind matching the given name.
func ParseKind(name string) (Kind, error) {
	return rb.ParseKind(name)
}

// WriteFromPointer copies n bytes starting at ptr into the ring.
func WriteFromPointer(r Ring, ptr unsafe.Pointer, n int) (bool, int) {
	return rb.WriteFromPointer(r, ptr, n)
}

// ReadIntoPointer copies up to n unread bytes of the ring to ptr.
func ReadIntoPointer(r Ring, ptr unsafe.Pointer, n int) (bool, int) {
	return rb.ReadIntoPointer(r, ptr, n)
}

// RingConfig represents the configuration of a ring and of the pipe wrapping it.
type RingConfig = config.Ring

// NewRingConfig returns the default ring configuration.
func NewRingConfig() *RingConfig {
	return config.NewRing()
}

// NewPipe validates the configuration and returns a pipe over a new ring.
// Invalid fields are replaced by their defaults and logged as warnings.
func NewPipe(cfg *RingConfig) (*Pipe, error) {
	tel := internal.NewTelemetry("pipe", "ring")
	config.NewValidator(tel).Validate(cfg)

	ring, err := rb.New(uint32(cfg.Capacity), cfg.Kind)
	if err != nil {
		return nil, err
	}

	tel.LogInfo("pipe created", "kind", cfg.Kind.String(), "capacity", ring.Capacity())

	return pipe.New(ring, cfg.MaxSpins), nil
}

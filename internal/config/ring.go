package config

import (
	"runtime"

	"github.com/FerroO2000/bytering/internal/rb"
)

// Default configuration values for a ring.
const (
	DefaultRingKind     = rb.KindOptimized
	DefaultRingCapacity = 1 << 16

	// minSequentialCapacity is the size of a single storage element
	// of the sequential ring.
	minSequentialCapacity = 8
)

// DefaultRingMaxSpins returns the default number of yields
// a blocked side performs before sleeping.
func DefaultRingMaxSpins() int {
	return runtime.NumCPU() * 32
}

// Ring represents the configuration of a ring and of the pipe wrapping it.
type Ring struct {
	// Kind is the variant of the ring.
	Kind rb.Kind

	// Capacity is the size of the ring in bytes.
	// It is rounded up to the next power of two.
	Capacity int

	// MaxSpins is the number of times a blocked reader or writer
	// yields the processor before going to sleep.
	MaxSpins int
}

// NewRing returns the default configuration of a ring.
func NewRing() *Ring {
	return &Ring{
		Kind:     DefaultRingKind,
		Capacity: DefaultRingCapacity,
		MaxSpins: DefaultRingMaxSpins(),
	}
}

// Validate checks the configuration.
func (r *Ring) Validate(ac *AnomalyCollector) {
	CheckOneOf(ac, "Kind", &r.Kind, []rb.Kind{rb.KindSequential, rb.KindOptimized}, DefaultRingKind)

	CheckNotNegative(ac, "Capacity", &r.Capacity, DefaultRingCapacity)
	CheckNotZero(ac, "Capacity", &r.Capacity, DefaultRingCapacity)
	CheckNotGreater(ac, "Capacity", &r.Capacity, rb.MaxCapacity)
	CheckPowerOf2(ac, "Capacity", &r.Capacity)

	if r.Kind == rb.KindSequential {
		CheckNotLower(ac, "Capacity", &r.Capacity, minSequentialCapacity)
	}

	CheckNotNegative(ac, "MaxSpins", &r.MaxSpins, DefaultRingMaxSpins())
}

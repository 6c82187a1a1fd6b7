// Package affinity binds the OS thread running a goroutine to a single CPU.
package affinity

import "errors"

var (
	// ErrUnsupported is returned on platforms without thread affinity.
	ErrUnsupported = errors.New("affinity: not supported on this platform")

	// ErrInvalidCPU is returned for a CPU the process is not allowed to run on.
	ErrInvalidCPU = errors.New("affinity: invalid cpu")
)

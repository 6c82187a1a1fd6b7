package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Allowed returns the CPUs the calling thread may run on.
func Allowed() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("affinity: get: %w", err)
	}

	cpus := make([]int, 0, set.Count())
	for cpu := 0; len(cpus) < set.Count(); cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}

	return cpus, nil
}

// Pin locks the calling goroutine to its OS thread and binds the thread to cpu.
// The returned function restores the previous affinity and unlocks the thread;
// it must be called from the same goroutine.
func Pin(cpu int) (func(), error) {
	if cpu < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCPU, cpu)
	}

	runtime.LockOSThread()

	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("affinity: get: %w", err)
	}

	if !prev.IsSet(cpu) {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: %d", ErrInvalidCPU, cpu)
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("affinity: set cpu %d: %w", cpu, err)
	}

	return func() {
		_ = unix.SchedSetaffinity(0, &prev)
		runtime.UnlockOSThread()
	}, nil
}

// Current returns the CPU the calling thread is running on.
func Current() (int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return -1, fmt.Errorf("affinity: get: %w", err)
	}

	if set.Count() != 1 {
		return -1, fmt.Errorf("%w: thread is not pinned", ErrInvalidCPU)
	}

	for cpu := 0; ; cpu++ {
		if set.IsSet(cpu) {
			return cpu, nil
		}
	}
}

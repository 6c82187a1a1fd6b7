//go:build !linux

package affinity

import "runtime"

// Allowed returns every CPU of the machine.
func Allowed() ([]int, error) {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus, nil
}

// Pin only locks the calling goroutine to its OS thread and reports ErrUnsupported.
// The returned function unlocks the thread.
func Pin(_ int) (func(), error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, ErrUnsupported
}

// Current is not available on this platform.
func Current() (int, error) {
	return -1, ErrUnsupported
}

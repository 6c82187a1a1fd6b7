package rb

import "unsafe"

// WriteFromPointer is Write for memory the caller only has an address for,
// such as a buffer shared with a device or a foreign library.
// The caller guarantees that ptr points to at least n readable bytes
// that stay valid for the duration of the call; the ring cannot check it.
func WriteFromPointer(r Ring, ptr unsafe.Pointer, n int) (bool, int) {
	if ptr == nil || n <= 0 {
		return false, 0
	}

	return r.Write(unsafe.Slice((*byte)(ptr), n))
}

// ReadIntoPointer is Read for memory the caller only has an address for.
// The caller guarantees that ptr points to at least n writable bytes
// that stay valid for the duration of the call; the ring cannot check it.
func ReadIntoPointer(r Ring, ptr unsafe.Pointer, n int) (bool, int) {
	if ptr == nil || n <= 0 {
		return false, 0
	}

	return r.Read(unsafe.Slice((*byte)(ptr), n))
}

//go:build !linux

package iov

import "net"

// Readv reads into the first non empty buffer.
func Readv(conn Conn, bufs [][]byte) (int, error) {
	var storage [maxBuffers][]byte
	iovs := compact(storage[:], bufs)
	if len(iovs) == 0 {
		return 0, ErrNoBuffers
	}

	return conn.Read(iovs[0])
}

// Writev writes all of bufs, vectored when the runtime supports it.
func Writev(conn Conn, bufs [][]byte) (int, error) {
	var storage [maxBuffers][]byte
	iovs := net.Buffers(compact(storage[:], bufs))
	if len(iovs) == 0 {
		return 0, ErrNoBuffers
	}

	n, err := iovs.WriteTo(conn)
	return int(n), err
}

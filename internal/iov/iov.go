// Package iov moves data between a socket and a list of buffers
// with a single vectored system call where the platform supports it.
package iov

import (
	"errors"
	"io"
	"syscall"
)

// ErrNoBuffers is returned when every given buffer is empty.
var ErrNoBuffers = errors.New("iov: no buffers")

// Conn is a connection exposing its file descriptor.
// *net.TCPConn and *net.UnixConn implement it.
type Conn interface {
	io.Reader
	io.Writer
	syscall.Conn
}

// maxBuffers bounds the number of buffers handled by one call.
const maxBuffers = 8

func compact(dst, bufs [][]byte) [][]byte {
	dst = dst[:0]
	for _, buf := range bufs {
		if len(buf) > 0 && len(dst) < maxBuffers {
			dst = append(dst, buf)
		}
	}
	return dst
}

// advance drops the first n bytes from bufs.
func advance(bufs [][]byte, n int) [][]byte {
	for len(bufs) > 0 && n >= len(bufs[0]) {
		n -= len(bufs[0])
		bufs = bufs[1:]
	}

	if len(bufs) > 0 && n > 0 {
		bufs[0] = bufs[0][n:]
	}

	return bufs
}

func totalLen(bufs [][]byte) int {
	total := 0
	for _, buf := range bufs {
		total += len(buf)
	}
	return total
}

package iov

import (
	"io"

	"golang.org/x/sys/unix"
)

// Readv fills bufs in order with one readv(2) call, waiting for the socket to be
// readable. It returns io.EOF when the peer closed the connection.
// The read deadline of the connection applies.
func Readv(conn Conn, bufs [][]byte) (int, error) {
	var storage [maxBuffers][]byte
	iovs := compact(storage[:], bufs)
	if len(iovs) == 0 {
		return 0, ErrNoBuffers
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	n := 0
	var opErr error

	err = rawConn.Read(func(fd uintptr) bool {
		for {
			n, opErr = unix.Readv(int(fd), iovs)
			switch opErr {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				return false
			default:
				return true
			}
		}
	})

	if err != nil {
		return 0, err
	}

	if opErr != nil {
		return 0, opErr
	}

	if n == 0 {
		return 0, io.EOF
	}

	return n, nil
}

// Writev writes all of bufs with writev(2), issuing more calls on short writes.
// The write deadline of the connection applies.
func Writev(conn Conn, bufs [][]byte) (int, error) {
	var storage [maxBuffers][]byte
	iovs := compact(storage[:], bufs)
	if len(iovs) == 0 {
		return 0, ErrNoBuffers
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	written := 0
	var opErr error

	err = rawConn.Write(func(fd uintptr) bool {
		for len(iovs) > 0 {
			var n int
			n, opErr = unix.Writev(int(fd), iovs)
			if n > 0 {
				written += n
				iovs = advance(iovs, n)
			}

			switch opErr {
			case nil, unix.EINTR:
				opErr = nil
				continue
			case unix.EAGAIN:
				opErr = nil
				return false
			default:
				return true
			}
		}
		return true
	})

	if err != nil {
		return written, err
	}

	return written, opErr
}

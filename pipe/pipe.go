// Package pipe turns a lock-free byte ring into a blocking single producer/single
// consumer stream.
//
// The ring reports, on every producer call, whether it was empty before and,
// on every consumer call, whether it was full before. A Pipe uses those edges
// to wake the other side: a blocked reader sleeps until data arrives, a blocked
// writer until space is released. Before sleeping, each side spins for a while
// yielding the processor, since the other side usually catches up quickly.
package pipe

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/FerroO2000/bytering/internal/rb"
)

// ErrClosed is returned when writing to a closed pipe.
var ErrClosed = errors.New("pipe: closed")

// DefaultMaxSpins is the number of yields a blocked side performs
// before going to sleep when no value is configured.
var DefaultMaxSpins = runtime.NumCPU() * 32

var (
	_ io.ReadWriteCloser = (*Pipe)(nil)
	_ io.ReaderFrom      = (*Pipe)(nil)
	_ io.WriterTo        = (*Pipe)(nil)
)

// Stats holds the counters of a pipe.
type Stats struct {
	// DataNotifications is the number of empty to non-empty edges
	// reported by the producer side.
	DataNotifications uint64
	// SpaceNotifications is the number of full to non-full edges
	// reported by the consumer side.
	SpaceNotifications uint64
	// ReaderSleeps is the number of times the reader went to sleep.
	ReaderSleeps uint64
	// WriterSleeps is the number of times the writer went to sleep.
	WriterSleeps uint64
}

// Pipe is a blocking byte stream over a ring.
//
// All the writing methods (Write, WriteContext, ReadFrom, AwaitSpace, Produce)
// must be called by a single goroutine, all the reading ones (Read, ReadContext,
// WriteTo, AwaitData, Consume) by another single goroutine.
// Close may be called from anywhere.
type Pipe struct {
	ring     rb.Ring
	maxSpins int

	// dataReady and spaceReady hold at most one pending wake-up each,
	// so a notification sent while nobody sleeps is not lost.
	dataReady  chan struct{}
	spaceReady chan struct{}

	readerParked atomic.Bool
	writerParked atomic.Bool

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	dataNotifications  atomic.Uint64
	spaceNotifications atomic.Uint64
	readerSleeps       atomic.Uint64
	writerSleeps       atomic.Uint64
}

// New returns a pipe over the given ring.
// A negative maxSpins selects DefaultMaxSpins, zero disables spinning.
func New(ring rb.Ring, maxSpins int) *Pipe {
	if maxSpins < 0 {
		maxSpins = DefaultMaxSpins
	}

	return &Pipe{
		ring:     ring,
		maxSpins: maxSpins,

		dataReady:  make(chan struct{}, 1),
		spaceReady: make(chan struct{}, 1),

		done: make(chan struct{}),
	}
}

// Ring returns the underlying ring, for vectored or zero-copy access.
// Advance it through Produce and Consume of the pipe, so the other side is woken.
func (p *Pipe) Ring() rb.Ring {
	return p.ring
}

// Capacity returns the capacity of the ring in bytes.
func (p *Pipe) Capacity() int {
	return p.ring.Capacity()
}

// Buffered returns the number of bytes written and not yet read.
func (p *Pipe) Buffered() int {
	return p.ring.Occupied()
}

// Stats returns a snapshot of the counters.
func (p *Pipe) Stats() Stats {
	return Stats{
		DataNotifications:  p.dataNotifications.Load(),
		SpaceNotifications: p.spaceNotifications.Load(),
		ReaderSleeps:       p.readerSleeps.Load(),
		WriterSleeps:       p.writerSleeps.Load(),
	}
}

// IsClosed states whether the pipe has been closed.
func (p *Pipe) IsClosed() bool {
	return p.closed.Load()
}

// Close closes the pipe. Further writes fail with ErrClosed,
// reads return the remaining bytes and then io.EOF.
// It is safe to call Close more than once.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})

	return nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// wakeReader is called by the producer after an advance.
// The parked flag covers a trigger computed on a stale snapshot
// of the consumer position.
func (p *Pipe) wakeReader(wasEmpty bool) {
	if wasEmpty {
		p.dataNotifications.Add(1)
	}

	if wasEmpty || p.readerParked.Load() {
		notify(p.dataReady)
	}
}

// wakeWriter is called by the consumer after an advance.
func (p *Pipe) wakeWriter(wasFull bool) {
	if wasFull {
		p.spaceNotifications.Add(1)
	}

	if wasFull || p.writerParked.Load() {
		notify(p.spaceReady)
	}
}

// AwaitData blocks until at least one byte can be read.
// It returns io.EOF once the pipe is closed and drained, or the context error.
func (p *Pipe) AwaitData(ctx context.Context) error {
	for spins := 0; ; spins++ {
		if p.ring.Occupied() > 0 {
			return nil
		}

		if p.closed.Load() {
			// Bytes written right before Close are visible now
			if p.ring.Occupied() > 0 {
				return nil
			}
			return io.EOF
		}

		if spins < p.maxSpins {
			runtime.Gosched()
			continue
		}

		// Announce the sleep before the last check,
		// the producer reads the flag after publishing.
		p.readerParked.Store(true)

		if p.ring.Occupied() > 0 || p.closed.Load() {
			p.readerParked.Store(false)
			continue
		}

		p.readerSleeps.Add(1)

		select {
		case <-p.dataReady:
		case <-p.done:
		case <-ctx.Done():
			p.readerParked.Store(false)
			return ctx.Err()
		}

		p.readerParked.Store(false)
	}
}

// AwaitSpace blocks until at least one byte can be written.
// It returns ErrClosed if the pipe is closed, or the context error.
func (p *Pipe) AwaitSpace(ctx context.Context) error {
	for spins := 0; ; spins++ {
		if p.closed.Load() {
			return ErrClosed
		}

		if p.ring.Free() > 0 {
			return nil
		}

		if spins < p.maxSpins {
			runtime.Gosched()
			continue
		}

		p.writerParked.Store(true)

		if p.ring.Free() > 0 || p.closed.Load() {
			p.writerParked.Store(false)
			continue
		}

		p.writerSleeps.Add(1)

		select {
		case <-p.spaceReady:
		case <-p.done:
		case <-ctx.Done():
			p.writerParked.Store(false)
			return ctx.Err()
		}

		p.writerParked.Store(false)
	}
}

// Write writes all of b, blocking while the ring is full.
func (p *Pipe) Write(b []byte) (int, error) {
	return p.WriteContext(context.Background(), b)
}

// WriteContext writes all of b, blocking while the ring is full.
// On cancellation it returns the number of bytes written so far.
func (p *Pipe) WriteContext(ctx context.Context, b []byte) (int, error) {
	written := 0

	for written < len(b) {
		if p.closed.Load() {
			return written, ErrClosed
		}

		wasEmpty, n := p.ring.Write(b[written:])
		if n > 0 {
			p.wakeReader(wasEmpty)
			written += n
			continue
		}

		if err := p.AwaitSpace(ctx); err != nil {
			return written, err
		}
	}

	return written, nil
}

// Read reads at least one byte, blocking while the ring is empty.
func (p *Pipe) Read(b []byte) (int, error) {
	return p.ReadContext(context.Background(), b)
}

// ReadContext reads at least one byte, blocking while the ring is empty.
func (p *Pipe) ReadContext(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	for {
		wasFull, n := p.ring.Read(b)
		if n > 0 {
			p.wakeWriter(wasFull)
			return n, nil
		}

		if err := p.AwaitData(ctx); err != nil {
			return 0, err
		}
	}
}

// Produce publishes n bytes written into the space of the ring
// (via a space region or the write segments).
func (p *Pipe) Produce(n int) error {
	wasEmpty, err := p.ring.ProduceChecked(n)
	if err != nil {
		return err
	}

	if n > 0 {
		p.wakeReader(wasEmpty)
	}

	return nil
}

// Consume releases n bytes read from the data of the ring
// (via a data region or the read segments).
func (p *Pipe) Consume(n int) error {
	wasFull, err := p.ring.ConsumeChecked(n)
	if err != nil {
		return err
	}

	if n > 0 {
		p.wakeWriter(wasFull)
	}

	return nil
}

// ReadFrom reads from r directly into the ring until r returns io.EOF.
func (p *Pipe) ReadFrom(r io.Reader) (int64, error) {
	return p.ReadFromContext(context.Background(), r)
}

// ReadFromContext reads from r directly into the ring until r returns io.EOF.
func (p *Pipe) ReadFromContext(ctx context.Context, r io.Reader) (int64, error) {
	total := int64(0)

	for {
		if err := p.AwaitSpace(ctx); err != nil {
			return total, err
		}

		region, ok := p.ring.SpaceRegion()
		if !ok {
			continue
		}

		n, readErr := r.Read(region.Bytes())
		if n > 0 {
			wasEmpty, err := region.Commit(n)
			if err != nil {
				return total, err
			}

			p.wakeReader(wasEmpty)
			total += int64(n)
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return total, nil
			}
			return total, readErr
		}
	}
}

// WriteTo writes the content of the ring directly to w until the pipe
// is closed and drained.
func (p *Pipe) WriteTo(w io.Writer) (int64, error) {
	return p.WriteToContext(context.Background(), w)
}

// WriteToContext writes the content of the ring directly to w until the pipe
// is closed and drained.
func (p *Pipe) WriteToContext(ctx context.Context, w io.Writer) (int64, error) {
	total := int64(0)

	for {
		if err := p.AwaitData(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}

		region, ok := p.ring.DataRegion()
		if !ok {
			continue
		}

		n, writeErr := w.Write(region.Bytes())
		if n > 0 {
			wasFull, err := region.Commit(n)
			if err != nil {
				return total, err
			}

			p.wakeWriter(wasFull)
			total += int64(n)
		}

		if writeErr != nil {
			return total, writeErr
		}

		if n < region.Len() {
			return total, io.ErrShortWrite
		}
	}
}

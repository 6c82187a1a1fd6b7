package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/FerroO2000/bytering"
	"github.com/FerroO2000/bytering/internal/affinity"
)

// Transfer modes.
const (
	modeCopy     = "copy"
	modeRegion   = "region"
	modeSegments = "segments"
	modePipe     = "pipe"
)

var modes = []string{modeCopy, modeRegion, modeSegments, modePipe}

var errChecksumMismatch = errors.New("ringbench: checksum mismatch")

type benchConfig struct {
	kind     bytering.Kind
	capacity uint32
	total    int64
	chunk    int
	mode     string

	producerCPU int
	consumerCPU int
}

type benchResult struct {
	elapsed time.Duration
	bytes   int64

	producerYields int64
	consumerYields int64
}

func (r benchResult) throughput() float64 {
	return float64(r.bytes) / (1 << 20) / r.elapsed.Seconds()
}

// side is one end of a transfer. It moves up to the given number of bytes
// and returns how many it moved, zero meaning no progress.
type side func(limit int) (int, error)

func runBench(ctx context.Context, cfg *benchConfig) (benchResult, error) {
	var produce, consume side
	var prodSum, consSum uint64

	if cfg.mode == modePipe {
		p, err := bytering.NewPipe(&bytering.RingConfig{
			Kind:     cfg.kind,
			Capacity: int(cfg.capacity),
			MaxSpins: bytering.NewRingConfig().MaxSpins,
		})
		if err != nil {
			return benchResult{}, err
		}
		produce, consume = pipeSides(ctx, p, cfg.chunk, &prodSum, &consSum)
	} else {
		ring, err := bytering.NewRing(cfg.capacity, cfg.kind)
		if err != nil {
			return benchResult{}, err
		}

		produce, consume, err = ringSides(ring, cfg.mode, cfg.chunk, &prodSum, &consSum)
		if err != nil {
			return benchResult{}, err
		}
	}

	res := benchResult{bytes: cfg.total}

	var wg sync.WaitGroup
	errs := make([]error, 2)

	start := time.Now()

	wg.Add(2)
	go func() {
		defer wg.Done()
		res.producerYields, errs[0] = drive(ctx, cfg.producerCPU, cfg.total, produce)
	}()
	go func() {
		defer wg.Done()
		res.consumerYields, errs[1] = drive(ctx, cfg.consumerCPU, cfg.total, consume)
	}()
	wg.Wait()

	res.elapsed = time.Since(start)

	if err := errors.Join(errs...); err != nil {
		return res, err
	}

	if prodSum != consSum {
		return res, fmt.Errorf("%w: produced %d, consumed %d", errChecksumMismatch, prodSum, consSum)
	}

	return res, nil
}

// drive runs one side on a locked OS thread until total bytes are moved.
// It yields the processor whenever the side makes no progress.
func drive(ctx context.Context, cpu int, total int64, move side) (int64, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cpu >= 0 {
		unpin, err := affinity.Pin(cpu)
		if err != nil {
			return 0, err
		}
		defer unpin()
	}

	yields := int64(0)
	moved := int64(0)

	for moved < total {
		n, err := move(int(min(total-moved, 1<<30)))
		if err != nil {
			return yields, err
		}

		if n == 0 {
			if err := ctx.Err(); err != nil {
				return yields, err
			}

			yields++
			runtime.Gosched()
			continue
		}

		moved += int64(n)
	}

	return yields, nil
}

func sum(b []byte) uint64 {
	total := uint64(0)
	for _, v := range b {
		total += uint64(v)
	}
	return total
}

func newChunk(size int) []byte {
	chunk := make([]byte, size)
	for i := range chunk {
		chunk[i] = byte(i%255 + 1)
	}
	return chunk
}

func ringSides(ring bytering.Ring, mode string, chunkSize int, prodSum, consSum *uint64) (side, side, error) {
	chunk := newChunk(chunkSize)
	buf := make([]byte, chunkSize)

	switch mode {
	case modeCopy:
		produce := func(limit int) (int, error) {
			_, n := ring.Write(chunk[:min(limit, chunkSize)])
			*prodSum += sum(chunk[:n])
			return n, nil
		}
		consume := func(limit int) (int, error) {
			_, n := ring.Read(buf[:min(limit, chunkSize)])
			*consSum += sum(buf[:n])
			return n, nil
		}
		return produce, consume, nil

	case modeRegion:
		produce := func(limit int) (int, error) {
			region, ok := ring.SpaceRegion()
			if !ok {
				return 0, nil
			}
			n := copy(region.Bytes(), chunk[:min(limit, chunkSize)])
			*prodSum += sum(chunk[:n])
			_, err := region.Commit(n)
			return n, err
		}
		consume := func(limit int) (int, error) {
			region, ok := ring.DataRegion()
			if !ok {
				return 0, nil
			}
			data := region.Bytes()[:min(region.Len(), limit, chunkSize)]
			*consSum += sum(data)
			_, err := region.Commit(len(data))
			return len(data), err
		}
		return produce, consume, nil

	case modeSegments:
		writeSegs := bytering.NewSegments()
		readSegs := bytering.NewSegments()

		produce := func(limit int) (int, error) {
			ring.FillWriteSegments(writeSegs)

			src := chunk[:min(limit, chunkSize)]
			n := 0
			for _, seg := range writeSegs.Slices() {
				n += copy(seg, src[n:])
			}
			*prodSum += sum(src[:n])

			_, err := ring.ProduceChecked(n)
			return n, err
		}
		consume := func(limit int) (int, error) {
			ring.FillReadSegments(readSegs)

			remaining := min(limit, chunkSize)
			n := 0
			for _, seg := range readSegs.Slices() {
				seg = seg[:min(len(seg), remaining-n)]
				*consSum += sum(seg)
				n += len(seg)
			}

			_, err := ring.ConsumeChecked(n)
			return n, err
		}
		return produce, consume, nil

	default:
		return nil, nil, fmt.Errorf("ringbench: unknown mode %q", mode)
	}
}

func pipeSides(ctx context.Context, p *bytering.Pipe, chunkSize int, prodSum, consSum *uint64) (side, side) {
	chunk := newChunk(chunkSize)
	buf := make([]byte, chunkSize)

	produce := func(limit int) (int, error) {
		n, err := p.WriteContext(ctx, chunk[:min(limit, chunkSize)])
		*prodSum += sum(chunk[:n])
		return n, err
	}

	consume := func(limit int) (int, error) {
		n, err := p.ReadContext(ctx, buf[:min(limit, chunkSize)])
		*consSum += sum(buf[:n])
		return n, err
	}

	return produce, consume
}

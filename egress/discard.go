package egress

import (
	"context"
	"errors"
	"hash/crc32"
	"io"
	"sync/atomic"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/internal/rb"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the discard stage configuration.
const (
	DefaultDiscardConfigUseSegments = false
	DefaultDiscardConfigChecksum    = false
)

// DiscardConfig structs contains the configuration for the discard stage.
type DiscardConfig struct {
	// UseSegments states whether to release both data segments of the ring
	// at once instead of one data region at a time.
	UseSegments bool

	// Checksum states whether to compute the CRC-32 (IEEE) of the stream.
	Checksum bool
}

// NewDiscardConfig returns the default configuration for the discard stage.
func NewDiscardConfig() *DiscardConfig {
	return &DiscardConfig{
		UseSegments: DefaultDiscardConfigUseSegments,
		Checksum:    DefaultDiscardConfigChecksum,
	}
}

// Validate checks the configuration.
func (c *DiscardConfig) Validate(_ *config.AnomalyCollector) {}

////////////
//  SINK  //
////////////

var _ sink = (*discardSink)(nil)

type discardSink struct {
	tel *internal.Telemetry

	useSegments bool
	checksum    bool

	segs *rb.Segments
	crc  atomic.Uint32

	// Metrics
	deliveredBytes  atomic.Int64
	deliveredChunks atomic.Int64
}

func newDiscardSink() *discardSink {
	return &discardSink{
		segs: rb.NewSegments(),
	}
}

func (ds *discardSink) setTelemetry(tel *internal.Telemetry) {
	ds.tel = tel
}

func (ds *discardSink) init(cfg *DiscardConfig) {
	ds.useSegments = cfg.UseSegments
	ds.checksum = cfg.Checksum

	ds.initMetrics()
}

func (ds *discardSink) initMetrics() {
	ds.tel.NewCounter("delivered_bytes", func() int64 { return ds.deliveredBytes.Load() })
	ds.tel.NewCounter("delivered_chunks", func() int64 { return ds.deliveredChunks.Load() })
}

func (ds *discardSink) run(ctx context.Context, in inPipe) error {
	for {
		if err := in.AwaitData(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var n int
		if ds.useSegments {
			n = ds.dropSegments(in.Ring())
		} else {
			n = ds.dropRegion(in.Ring())
		}

		if n == 0 {
			continue
		}

		if err := in.Consume(n); err != nil {
			return err
		}

		ds.deliveredBytes.Add(int64(n))
		ds.deliveredChunks.Add(1)
	}
}

func (ds *discardSink) dropRegion(ring rb.Ring) int {
	region, ok := ring.DataRegion()
	if !ok {
		return 0
	}

	ds.update(region.Bytes())

	return region.Len()
}

func (ds *discardSink) dropSegments(ring rb.Ring) int {
	ring.FillReadSegments(ds.segs)

	for _, seg := range ds.segs.Slices() {
		ds.update(seg)
	}

	return ds.segs.Len()
}

func (ds *discardSink) update(b []byte) {
	if ds.checksum {
		ds.crc.Store(crc32.Update(ds.crc.Load(), crc32.IEEETable, b))
	}
}

/////////////
//  STAGE  //
/////////////

// DiscardStage is an egress stage that drops every incoming byte.
// It is intended for testing and benchmarking purposes.
type DiscardStage struct {
	*stage[*DiscardConfig]

	sink *discardSink
}

// NewDiscardStage returns a new discard stage.
func NewDiscardStage(in inPipe, cfg *DiscardConfig) *DiscardStage {
	sink := newDiscardSink()

	return &DiscardStage{
		stage: newStage("discard", sink, in, cfg),

		sink: sink,
	}
}

// Init initializes the stage.
func (ds *DiscardStage) Init(ctx context.Context) error {
	if err := ds.stage.Init(ctx); err != nil {
		return err
	}

	ds.sink.init(ds.cfg)

	return nil
}

// DeliveredBytes returns the number of bytes dropped so far.
func (ds *DiscardStage) DeliveredBytes() int64 {
	return ds.sink.deliveredBytes.Load()
}

// Checksum returns the CRC-32 of the bytes dropped so far.
// It is always zero when the checksum is disabled.
func (ds *DiscardStage) Checksum() uint32 {
	return ds.sink.crc.Load()
}

package ingress

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the generator stage configuration.
const (
	DefaultGeneratorConfigChunkSize  = 4096
	DefaultGeneratorConfigInterval   = 0
	DefaultGeneratorConfigTotalBytes = 0
	DefaultGeneratorConfigZeroCopy   = true
)

// GeneratorConfig structs contains the configuration for the generator stage.
type GeneratorConfig struct {
	// ChunkSize is the number of bytes generated per write.
	ChunkSize int

	// Interval is the duration between two chunks.
	// Zero generates as fast as the pipe allows.
	Interval time.Duration

	// TotalBytes is the length of the stream.
	// Zero generates until the context is done.
	TotalBytes int64

	// ZeroCopy states whether to generate the bytes in place,
	// inside the free regions of the ring, instead of copying a chunk.
	ZeroCopy bool
}

// NewGeneratorConfig returns the default configuration for the generator stage.
func NewGeneratorConfig() *GeneratorConfig {
	return &GeneratorConfig{
		ChunkSize:  DefaultGeneratorConfigChunkSize,
		Interval:   DefaultGeneratorConfigInterval,
		TotalBytes: DefaultGeneratorConfigTotalBytes,
		ZeroCopy:   DefaultGeneratorConfigZeroCopy,
	}
}

// Validate checks the configuration.
func (c *GeneratorConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotNegative(ac, "ChunkSize", &c.ChunkSize, DefaultGeneratorConfigChunkSize)
	config.CheckNotZero(ac, "ChunkSize", &c.ChunkSize, DefaultGeneratorConfigChunkSize)

	config.CheckNotNegative(ac, "Interval", &c.Interval, DefaultGeneratorConfigInterval)
	config.CheckNotNegative(ac, "TotalBytes", &c.TotalBytes, DefaultGeneratorConfigTotalBytes)
}

// GeneratorPattern returns the byte generated at the given offset of the stream.
func GeneratorPattern(offset int64) byte {
	// 251 is prime, so the pattern never lines up with a power of two capacity
	return byte(offset % 251)
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*generatorSource)(nil)

type generatorSource struct {
	tel *internal.Telemetry

	chunkSize  int
	interval   time.Duration
	totalBytes int64
	zeroCopy   bool

	chunk []byte

	// Metrics
	generatedBytes  atomic.Int64
	generatedChunks atomic.Int64
}

func newGeneratorSource() *generatorSource {
	return &generatorSource{}
}

func (gs *generatorSource) setTelemetry(tel *internal.Telemetry) {
	gs.tel = tel
}

func (gs *generatorSource) init(cfg *GeneratorConfig) {
	gs.chunkSize = cfg.ChunkSize
	gs.interval = cfg.Interval
	gs.totalBytes = cfg.TotalBytes
	gs.zeroCopy = cfg.ZeroCopy

	if !gs.zeroCopy {
		gs.chunk = make([]byte, gs.chunkSize)
	}

	gs.initMetrics()
}

func (gs *generatorSource) initMetrics() {
	gs.tel.NewCounter("generated_bytes", func() int64 { return gs.generatedBytes.Load() })
	gs.tel.NewCounter("generated_chunks", func() int64 { return gs.generatedChunks.Load() })
}

func (gs *generatorSource) done() bool {
	return gs.totalBytes > 0 && gs.generatedBytes.Load() >= gs.totalBytes
}

func (gs *generatorSource) nextChunkSize() int {
	size := gs.chunkSize
	if gs.totalBytes > 0 {
		size = int(min(int64(size), gs.totalBytes-gs.generatedBytes.Load()))
	}
	return size
}

func (gs *generatorSource) run(ctx context.Context, out outPipe) error {
	ctx, span := gs.tel.NewTrace(ctx, "generate stream")
	defer span.End()

	defer func() {
		span.SetAttributes(
			attribute.Int64("generated_bytes", gs.generatedBytes.Load()),
			attribute.Int64("generated_chunks", gs.generatedChunks.Load()),
		)
	}()

	var tick <-chan time.Time
	if gs.interval > 0 {
		ticker := time.NewTicker(gs.interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for !gs.done() {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}

		var err error
		if gs.zeroCopy {
			err = gs.generateInPlace(ctx, out)
		} else {
			err = gs.generateCopy(ctx, out)
		}

		if err != nil {
			return err
		}

		gs.generatedChunks.Add(1)
	}

	return nil
}

func (gs *generatorSource) generateCopy(ctx context.Context, out outPipe) error {
	size := gs.nextChunkSize()
	offset := gs.generatedBytes.Load()

	chunk := gs.chunk[:size]
	for i := range chunk {
		chunk[i] = GeneratorPattern(offset + int64(i))
	}

	n, err := out.WriteContext(ctx, chunk)
	gs.generatedBytes.Add(int64(n))

	return err
}

// generateInPlace writes a chunk across as many space regions as needed.
func (gs *generatorSource) generateInPlace(ctx context.Context, out outPipe) error {
	remaining := gs.nextChunkSize()

	for remaining > 0 {
		if err := out.AwaitSpace(ctx); err != nil {
			return err
		}

		region, ok := out.Ring().SpaceRegion()
		if !ok {
			continue
		}

		offset := gs.generatedBytes.Load()

		buf := region.Bytes()[:min(region.Len(), remaining)]
		for i := range buf {
			buf[i] = GeneratorPattern(offset + int64(i))
		}

		if err := out.Produce(len(buf)); err != nil {
			return err
		}

		gs.generatedBytes.Add(int64(len(buf)))
		remaining -= len(buf)
	}

	return nil
}

/////////////
//  STAGE  //
/////////////

// GeneratorStage is an ingress stage that writes a deterministic byte pattern
// (see GeneratorPattern) into a pipe.
type GeneratorStage struct {
	*stage[*GeneratorConfig]

	source *generatorSource
}

// NewGeneratorStage returns a new generator stage.
func NewGeneratorStage(out outPipe, cfg *GeneratorConfig) *GeneratorStage {
	source := newGeneratorSource()

	return &GeneratorStage{
		stage: newStage("generator", source, out, cfg),

		source: source,
	}
}

// Init initializes the stage.
func (gs *GeneratorStage) Init(ctx context.Context) error {
	if err := gs.stage.Init(ctx); err != nil {
		return err
	}

	gs.source.init(gs.cfg)

	return nil
}

// GeneratedBytes returns the number of bytes written so far.
func (gs *GeneratorStage) GeneratedBytes() int64 {
	return gs.source.generatedBytes.Load()
}

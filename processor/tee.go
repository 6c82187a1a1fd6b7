package processor

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/pipe"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the tee processor stage configuration.
const (
	DefaultTeeConfigMaxChunkSize = 1 << 16
)

// TeeConfig structs contains the configuration for the tee processor stage.
type TeeConfig struct {
	// MaxChunkSize is the maximum number of bytes copied to the outputs at once.
	MaxChunkSize int
}

// NewTeeConfig returns the default configuration for the tee processor stage.
func NewTeeConfig() *TeeConfig {
	return &TeeConfig{
		MaxChunkSize: DefaultTeeConfigMaxChunkSize,
	}
}

// Validate checks the configuration.
func (c *TeeConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotNegative(ac, "MaxChunkSize", &c.MaxChunkSize, DefaultTeeConfigMaxChunkSize)
	config.CheckNotZero(ac, "MaxChunkSize", &c.MaxChunkSize, DefaultTeeConfigMaxChunkSize)
}

//////////////
//  WORKER  //
//////////////

var _ worker = (*teeWorker)(nil)

type teeWorker struct {
	tel *internal.Telemetry

	maxChunkSize int

	// Metrics
	clonedBytes  atomic.Int64
	clonedChunks atomic.Int64
	closedOuts   atomic.Int64
}

func newTeeWorker() *teeWorker {
	return &teeWorker{}
}

func (tw *teeWorker) setTelemetry(tel *internal.Telemetry) {
	tw.tel = tel
}

func (tw *teeWorker) init(cfg *TeeConfig) {
	tw.maxChunkSize = cfg.MaxChunkSize

	tw.initMetrics()
}

func (tw *teeWorker) initMetrics() {
	tw.tel.NewCounter("cloned_bytes", func() int64 { return tw.clonedBytes.Load() })
	tw.tel.NewCounter("cloned_chunks", func() int64 { return tw.clonedChunks.Load() })
	tw.tel.NewCounter("closed_outputs", func() int64 { return tw.closedOuts.Load() })
}

// run keeps copying into the outputs still open.
// It fails with pipe.ErrClosed once every output has been closed.
func (tw *teeWorker) run(ctx context.Context, in inPipe, outs []outPipe) error {
	active := make([]bool, len(outs))
	for idx := range active {
		active[idx] = true
	}
	activeCount := len(outs)

	for {
		chunk, err := awaitChunk(ctx, in, tw.maxChunkSize)
		if err != nil {
			if isEOF(err) {
				return nil
			}
			return err
		}

		for idx, out := range outs {
			if !active[idx] {
				continue
			}

			if err := tw.clone(ctx, chunk, out); err != nil {
				if !errors.Is(err, pipe.ErrClosed) {
					return err
				}

				tw.tel.LogWarn("output pipe closed, skipping it", "output", idx)
				tw.closedOuts.Add(1)

				active[idx] = false
				activeCount--
			}
		}

		if activeCount == 0 {
			return pipe.ErrClosed
		}

		if err := in.Consume(len(chunk)); err != nil {
			return err
		}

		tw.clonedBytes.Add(int64(len(chunk)))
		tw.clonedChunks.Add(1)
	}
}

func (tw *teeWorker) clone(ctx context.Context, chunk []byte, out outPipe) error {
	ctx, span := tw.tel.NewTrace(ctx, "clone chunk")
	defer span.End()

	span.SetAttributes(attribute.Int("chunk_size", len(chunk)))

	_, err := out.WriteContext(ctx, chunk)
	return err
}

/////////////
//  STAGE  //
/////////////

// TeeStage is a processor stage that copies the stream
// of the input pipe into every output pipe.
type TeeStage struct {
	*stage[*TeeConfig]

	worker *teeWorker
}

// NewTeeStage returns a new tee processor stage.
func NewTeeStage(cfg *TeeConfig, in inPipe, outs ...outPipe) *TeeStage {
	worker := newTeeWorker()

	return &TeeStage{
		stage: newStage("tee", worker, in, outs, cfg),

		worker: worker,
	}
}

// Init initializes the stage.
func (ts *TeeStage) Init(ctx context.Context) error {
	if err := ts.stage.Init(ctx); err != nil {
		return err
	}

	ts.worker.init(ts.cfg)

	return nil
}

// ClonedBytes returns the number of input bytes copied so far.
func (ts *TeeStage) ClonedBytes() int64 {
	return ts.worker.clonedBytes.Load()
}

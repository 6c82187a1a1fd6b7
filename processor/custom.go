package processor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the custom processor stage configuration.
const (
	DefaultCustomConfigName         = "custom"
	DefaultCustomConfigMaxChunkSize = 1 << 16
)

// CustomConfig structs contains the configuration for a custom processor stage.
type CustomConfig struct {
	// Name is the name of the stage.
	// It is used to identify the stage in the telemetry.
	Name string

	// MaxChunkSize is the maximum number of bytes passed to a single
	// call of the handler.
	MaxChunkSize int
}

// NewCustomConfig returns the default configuration for a custom processor stage.
func NewCustomConfig() *CustomConfig {
	return &CustomConfig{
		Name:         DefaultCustomConfigName,
		MaxChunkSize: DefaultCustomConfigMaxChunkSize,
	}
}

// Validate checks the configuration.
func (c *CustomConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Name", &c.Name, DefaultCustomConfigName)

	config.CheckNotNegative(ac, "MaxChunkSize", &c.MaxChunkSize, DefaultCustomConfigMaxChunkSize)
	config.CheckNotZero(ac, "MaxChunkSize", &c.MaxChunkSize, DefaultCustomConfigMaxChunkSize)
}

///////////////
//  HANDLER  //
///////////////

// CustomHandler interface defines the methods that the handler
// of a custom processor stage must implement.
type CustomHandler interface {
	// Init method is called once when the stage is initialized.
	Init(ctx context.Context) error

	// Handle method is called for each chunk of the input stream.
	// The returned bytes are written to the output pipe, an empty result writes nothing.
	// The chunk lives inside the input ring: it may be modified and returned,
	// but it must not be retained after the call.
	Handle(ctx context.Context, chunk []byte) ([]byte, error)

	// Close is called once when the stage is closed.
	Close()

	// SetTelemetry sets the telemetry for the custom handler.
	// It can be used to add traces, logs, and metrics to the
	// user defined handler.
	SetTelemetry(tel *internal.Telemetry)
}

// CustomHandlerBase is a base implementation of the CustomHandler interface.
// It provides a Telemetry field that can be used to add traces,
// logs, and metrics to the custom handler.
// It also provides a default implementation for the Init and Close methods,
// but not for the Handle method.
type CustomHandlerBase struct {
	Telemetry *internal.Telemetry
}

// Init is a no-op implementation of the custom handler Init method.
func (chb *CustomHandlerBase) Init(_ context.Context) error {
	return nil
}

// Close is a no-op implementation of the custom handler Close method.
func (chb *CustomHandlerBase) Close() {}

// SetTelemetry sets the telemetry for the custom handler.
func (chb *CustomHandlerBase) SetTelemetry(tel *internal.Telemetry) {
	chb.Telemetry = tel
}

// CustomHandlerFunc adapts a function to the CustomHandler interface.
type CustomHandlerFunc func(ctx context.Context, chunk []byte) ([]byte, error)

// Init does nothing.
func (f CustomHandlerFunc) Init(_ context.Context) error {
	return nil
}

// Handle calls f.
func (f CustomHandlerFunc) Handle(ctx context.Context, chunk []byte) ([]byte, error) {
	return f(ctx, chunk)
}

// Close does nothing.
func (f CustomHandlerFunc) Close() {}

// SetTelemetry does nothing.
func (f CustomHandlerFunc) SetTelemetry(_ *internal.Telemetry) {}

//////////////
//  WORKER  //
//////////////

var _ worker = (*customWorker)(nil)

type customWorker struct {
	tel *internal.Telemetry

	handler CustomHandler

	maxChunkSize int
	traceString  string

	// Metrics
	processedBytes atomic.Int64
	producedBytes  atomic.Int64
	droppedBytes   atomic.Int64
}

func newCustomWorker(handler CustomHandler) *customWorker {
	return &customWorker{
		handler: handler,
	}
}

func (cw *customWorker) setTelemetry(tel *internal.Telemetry) {
	cw.tel = tel
	cw.handler.SetTelemetry(tel)
}

func (cw *customWorker) init(ctx context.Context, cfg *CustomConfig) error {
	cw.maxChunkSize = cfg.MaxChunkSize
	cw.traceString = fmt.Sprintf("handle %s chunk", cfg.Name)

	cw.initMetrics()

	return cw.handler.Init(ctx)
}

func (cw *customWorker) initMetrics() {
	cw.tel.NewCounter("processed_bytes", func() int64 { return cw.processedBytes.Load() })
	cw.tel.NewCounter("produced_bytes", func() int64 { return cw.producedBytes.Load() })
	cw.tel.NewCounter("dropped_bytes", func() int64 { return cw.droppedBytes.Load() })
}

func (cw *customWorker) run(ctx context.Context, in inPipe, outs []outPipe) error {
	out := outs[0]

	for {
		chunk, err := awaitChunk(ctx, in, cw.maxChunkSize)
		if err != nil {
			if isEOF(err) {
				return nil
			}
			return err
		}

		if err := cw.process(ctx, chunk, out); err != nil {
			return err
		}

		if err := in.Consume(len(chunk)); err != nil {
			return err
		}

		cw.processedBytes.Add(int64(len(chunk)))
	}
}

// process drops the chunk when the handler fails, only a failing write stops the stage.
func (cw *customWorker) process(ctx context.Context, chunk []byte, out outPipe) error {
	ctx, span := cw.tel.NewTrace(ctx, cw.traceString)
	defer span.End()

	span.SetAttributes(attribute.Int("chunk_size", len(chunk)))

	result, err := cw.handler.Handle(ctx, chunk)
	if err != nil {
		cw.tel.LogError("failed to handle chunk", err, "chunk_size", len(chunk))
		cw.droppedBytes.Add(int64(len(chunk)))
		return nil
	}

	if len(result) == 0 {
		return nil
	}

	n, err := out.WriteContext(ctx, result)
	cw.producedBytes.Add(int64(n))

	return err
}

func (cw *customWorker) close() {
	cw.handler.Close()
}

/////////////
//  STAGE  //
/////////////

// CustomStage is a processor stage that transforms the stream
// of the input pipe with a user defined handler.
type CustomStage struct {
	*stage[*CustomConfig]

	worker *customWorker
}

// NewCustomStage returns a new custom processor stage.
func NewCustomStage(handler CustomHandler, in inPipe, out outPipe, cfg *CustomConfig) *CustomStage {
	name := cfg.Name
	if name == "" {
		name = DefaultCustomConfigName
	}

	worker := newCustomWorker(handler)

	return &CustomStage{
		stage: newStage(name, worker, in, []outPipe{out}, cfg),

		worker: worker,
	}
}

// Init initializes the stage and the handler.
func (cs *CustomStage) Init(ctx context.Context) error {
	if err := cs.stage.Init(ctx); err != nil {
		return err
	}

	return cs.worker.init(ctx, cs.cfg)
}

// ProcessedBytes returns the number of input bytes handled so far.
func (cs *CustomStage) ProcessedBytes() int64 {
	return cs.worker.processedBytes.Load()
}

// DroppedBytes returns the number of input bytes the handler failed on.
func (cs *CustomStage) DroppedBytes() int64 {
	return cs.worker.droppedBytes.Load()
}

// Close closes the stage and the handler.
func (cs *CustomStage) Close() {
	cs.stage.Close()
	cs.worker.close()
}

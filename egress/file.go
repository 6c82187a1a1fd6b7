package egress

import (
	"bufio"
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the file egress stage configuration.
const (
	DefaultFileConfigPath                     = "stream.out"
	DefaultFileConfigTruncate                 = false
	DefaultFileConfigBufferSize               = 1 << 16
	DefaultFileConfigFlushThresholdPercentage = 0.75
	DefaultFileConfigFlushDeadline            = time.Second
)

// FileConfig structs contains the configuration for the file egress stage.
type FileConfig struct {
	// Path is the path to the file. It is created if missing.
	Path string

	// Truncate states whether to empty an existing file instead of appending to it.
	Truncate bool

	// BufferSize is the size of the buffer in front of the file.
	BufferSize int

	// FlushThresholdPercentage is the percentage of the buffer size that triggers a flush.
	FlushThresholdPercentage float64

	// FlushDeadline is the maximum time bytes stay in the buffer.
	FlushDeadline time.Duration
}

// NewFileConfig returns the default configuration for the file egress stage.
func NewFileConfig(path string) *FileConfig {
	return &FileConfig{
		Path:                     path,
		Truncate:                 DefaultFileConfigTruncate,
		BufferSize:               DefaultFileConfigBufferSize,
		FlushThresholdPercentage: DefaultFileConfigFlushThresholdPercentage,
		FlushDeadline:            DefaultFileConfigFlushDeadline,
	}
}

// Validate checks the configuration.
func (c *FileConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Path", &c.Path, DefaultFileConfigPath)

	config.CheckNotNegative(ac, "BufferSize", &c.BufferSize, DefaultFileConfigBufferSize)
	config.CheckNotZero(ac, "BufferSize", &c.BufferSize, DefaultFileConfigBufferSize)

	config.CheckNotNegative(ac, "FlushThresholdPercentage", &c.FlushThresholdPercentage, DefaultFileConfigFlushThresholdPercentage)
	config.CheckNotZero(ac, "FlushThresholdPercentage", &c.FlushThresholdPercentage, DefaultFileConfigFlushThresholdPercentage)
	config.CheckNotGreater(ac, "FlushThresholdPercentage", &c.FlushThresholdPercentage, 1)

	config.CheckNotNegative(ac, "FlushDeadline", &c.FlushDeadline, DefaultFileConfigFlushDeadline)
	config.CheckNotZero(ac, "FlushDeadline", &c.FlushDeadline, DefaultFileConfigFlushDeadline)
}

////////////
//  SINK  //
////////////

var _ sink = (*fileSink)(nil)

type fileSink struct {
	tel *internal.Telemetry

	path string
	file *os.File

	flushMux sync.Mutex
	writer   *bufio.Writer

	bufSizeThreshold int64
	flushDeadline    time.Duration

	notFlushedBytes int64

	// Metrics
	deliveredBytes  atomic.Int64
	deliveredChunks atomic.Int64
	flushErrors     atomic.Int64
}

func newFileSink() *fileSink {
	return &fileSink{}
}

func (fs *fileSink) setTelemetry(tel *internal.Telemetry) {
	fs.tel = tel
}

func (fs *fileSink) init(cfg *FileConfig) error {
	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}

	file, err := os.OpenFile(cfg.Path, flags, 0o644)
	if err != nil {
		return err
	}

	fs.path = cfg.Path
	fs.file = file

	fs.writer = bufio.NewWriterSize(file, cfg.BufferSize)
	fs.bufSizeThreshold = int64(float64(cfg.BufferSize) * cfg.FlushThresholdPercentage)
	fs.flushDeadline = cfg.FlushDeadline

	fs.initMetrics()

	return nil
}

func (fs *fileSink) initMetrics() {
	fs.tel.NewCounter("delivered_bytes", func() int64 { return fs.deliveredBytes.Load() })
	fs.tel.NewCounter("delivered_chunks", func() int64 { return fs.deliveredChunks.Load() })
	fs.tel.NewCounter("flush_errors", func() int64 { return fs.flushErrors.Load() })
}

func (fs *fileSink) run(ctx context.Context, in inPipe) error {
	_, span := fs.tel.NewTrace(ctx, "write file")
	defer span.End()

	tickerCtx, stopTicker := context.WithCancel(ctx)
	defer stopTicker()

	go fs.runTicker(tickerCtx)

	_, err := in.WriteToContext(ctx, fs)

	span.SetAttributes(
		attribute.String("path", fs.path),
		attribute.Int64("delivered_bytes", fs.deliveredBytes.Load()),
	)

	if flushErr := fs.flush(); flushErr != nil && err == nil {
		err = flushErr
	}

	return err
}

func (fs *fileSink) runTicker(ctx context.Context) {
	ticker := time.NewTicker(fs.flushDeadline)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := fs.flush(); err != nil {
				fs.tel.LogError("periodic flush failed", err, "path", fs.path)
			}
		}
	}
}

// Write implements io.Writer for the data regions handed out by the pipe.
func (fs *fileSink) Write(p []byte) (int, error) {
	fs.flushMux.Lock()
	defer fs.flushMux.Unlock()

	n, err := fs.writer.Write(p)

	fs.notFlushedBytes += int64(n)
	fs.deliveredBytes.Add(int64(n))
	fs.deliveredChunks.Add(1)

	if err != nil {
		return n, err
	}

	if fs.notFlushedBytes >= fs.bufSizeThreshold {
		if err := fs.flushLocked(); err != nil {
			return n, err
		}
	}

	return n, nil
}

func (fs *fileSink) flush() error {
	fs.flushMux.Lock()
	defer fs.flushMux.Unlock()

	return fs.flushLocked()
}

func (fs *fileSink) flushLocked() error {
	if fs.notFlushedBytes == 0 {
		return nil
	}

	if err := fs.writer.Flush(); err != nil {
		fs.flushErrors.Add(1)
		return err
	}

	fs.notFlushedBytes = 0

	return nil
}

func (fs *fileSink) close() {
	if fs.file == nil {
		return
	}

	if err := fs.flush(); err != nil {
		fs.tel.LogError("failed to flush writer", err, "path", fs.path)
	}

	if err := fs.file.Sync(); err != nil {
		fs.tel.LogError("failed to sync file", err, "path", fs.path)
	}

	if err := fs.file.Close(); err != nil {
		fs.tel.LogError("failed to close file", err, "path", fs.path)
	}
}

/////////////
//  STAGE  //
/////////////

// FileStage is an egress stage that writes a pipe to a file.
type FileStage struct {
	*stage[*FileConfig]

	sink *fileSink
}

// NewFileStage returns a new file egress stage.
func NewFileStage(in inPipe, cfg *FileConfig) *FileStage {
	sink := newFileSink()

	return &FileStage{
		stage: newStage("file", sink, in, cfg),

		sink: sink,
	}
}

// Init initializes the stage and opens the file.
func (fs *FileStage) Init(ctx context.Context) error {
	if err := fs.stage.Init(ctx); err != nil {
		return err
	}

	return fs.sink.init(fs.cfg)
}

// DeliveredBytes returns the number of bytes written so far.
func (fs *FileStage) DeliveredBytes() int64 {
	return fs.sink.deliveredBytes.Load()
}

// Close flushes and closes the file.
func (fs *FileStage) Close() {
	fs.stage.Close()
	fs.sink.close()
}

package ingress

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the file ingress stage configuration.
const (
	DefaultFileConfigPath   = "stream.bin"
	DefaultFileConfigFollow = false
)

// FileConfig structs contains the configuration for the file ingress stage.
type FileConfig struct {
	// Path is the path of the file to stream.
	Path string

	// Follow states whether to keep streaming the bytes appended to the file
	// after its end is reached, like tail -f. The stage stops when the file
	// is removed or renamed.
	Follow bool
}

// NewFileConfig returns the default configuration for the file ingress stage.
func NewFileConfig(path string) *FileConfig {
	return &FileConfig{
		Path:   path,
		Follow: DefaultFileConfigFollow,
	}
}

// Validate checks the configuration.
func (c *FileConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Path", &c.Path, DefaultFileConfigPath)
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*fileSource)(nil)

type fileSource struct {
	tel *internal.Telemetry

	path string
	file *os.File

	// watcher is only set in follow mode.
	watcher *fsnotify.Watcher

	// Metrics
	readBytes atomic.Int64
	follows   atomic.Int64
}

func newFileSource() *fileSource {
	return &fileSource{}
}

func (fs *fileSource) setTelemetry(tel *internal.Telemetry) {
	fs.tel = tel
}

func (fs *fileSource) init(cfg *FileConfig) error {
	fs.path = filepath.Clean(cfg.Path)

	file, err := os.Open(fs.path)
	if err != nil {
		return err
	}
	fs.file = file

	if cfg.Follow {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			file.Close()
			return err
		}

		// Watching the parent directory also reports removals and renames
		if err := watcher.Add(filepath.Dir(fs.path)); err != nil {
			watcher.Close()
			file.Close()
			return err
		}

		fs.watcher = watcher
	}

	fs.initMetrics()

	return nil
}

func (fs *fileSource) initMetrics() {
	fs.tel.NewCounter("read_bytes", func() int64 { return fs.readBytes.Load() })
	fs.tel.NewCounter("follows", func() int64 { return fs.follows.Load() })
}

func (fs *fileSource) run(ctx context.Context, out outPipe) error {
	_, span := fs.tel.NewTrace(ctx, "stream file")
	defer span.End()

	defer func() {
		span.SetAttributes(
			attribute.String("path", fs.path),
			attribute.Int64("read_bytes", fs.readBytes.Load()),
		)
	}()

	for {
		if err := fs.copyToEnd(ctx, out); err != nil {
			return err
		}

		if fs.watcher == nil {
			return nil
		}

		keepGoing, err := fs.waitForWrite(ctx)
		if err != nil || !keepGoing {
			return err
		}

		fs.follows.Add(1)
	}
}

// copyToEnd streams the file into the free regions of the ring until EOF.
func (fs *fileSource) copyToEnd(ctx context.Context, out outPipe) error {
	for {
		if err := out.AwaitSpace(ctx); err != nil {
			return err
		}

		region, ok := out.Ring().SpaceRegion()
		if !ok {
			continue
		}

		n, err := fs.file.Read(region.Bytes())
		if n > 0 {
			if prodErr := out.Produce(n); prodErr != nil {
				return prodErr
			}

			fs.readBytes.Add(int64(n))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// waitForWrite blocks until the file is written again.
// It returns false when the file is removed or renamed.
func (fs *fileSource) waitForWrite(ctx context.Context) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return false, nil
			}

			if filepath.Clean(event.Name) != fs.path {
				continue
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fs.tel.LogInfo("file removed, stopping", "path", fs.path)
				return false, nil
			}

			if event.Has(fsnotify.Write) {
				return true, nil
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return false, nil
			}

			fs.tel.LogError("watcher error", err)
		}
	}
}

func (fs *fileSource) close() {
	if fs.watcher != nil {
		fs.watcher.Close()
	}

	if fs.file != nil {
		fs.file.Close()
	}
}

/////////////
//  STAGE  //
/////////////

// FileStage is an ingress stage that streams a file into a pipe.
type FileStage struct {
	*stage[*FileConfig]

	source *fileSource
}

// NewFileStage returns a new file ingress stage.
func NewFileStage(out outPipe, cfg *FileConfig) *FileStage {
	source := newFileSource()

	return &FileStage{
		stage: newStage("file", source, out, cfg),

		source: source,
	}
}

// Init initializes the stage.
func (fs *FileStage) Init(ctx context.Context) error {
	if err := fs.stage.Init(ctx); err != nil {
		return err
	}

	return fs.source.init(fs.cfg)
}

// Close closes the stage.
func (fs *FileStage) Close() {
	fs.stage.Close()
	fs.source.close()
}

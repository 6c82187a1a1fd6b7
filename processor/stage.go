package processor

import (
	"context"
	"errors"
	"io"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/pipe"
)

var errNoOutputPipe = errors.New("processor: no output pipe specified")

type worker interface {
	setTelemetry(tel *internal.Telemetry)
	run(ctx context.Context, in inPipe, outs []outPipe) error
}

type stage[Cfg cfg] struct {
	tel *internal.Telemetry

	cfg Cfg

	worker worker

	in   inPipe
	outs []outPipe
}

func newStage[Cfg cfg](name string, worker worker, in inPipe, outs []outPipe, cfg Cfg) *stage[Cfg] {
	tel := internal.NewTelemetry("processor", name)
	worker.setTelemetry(tel)

	return &stage[Cfg]{
		tel: tel,

		cfg: cfg,

		worker: worker,

		in:   in,
		outs: outs,
	}
}

// Init validates the configuration, it must run before the worker is initialized.
func (s *stage[Cfg]) Init(_ context.Context) error {
	s.tel.LogInfo("initializing")

	if len(s.outs) == 0 {
		return errNoOutputPipe
	}

	config.NewValidator(s.tel).Validate(s.cfg)

	return nil
}

// Run moves the input pipe into the output pipes until the input is drained
// or the context is done. The output pipes are closed afterwards.
// If the worker fails, the input pipe is closed too so the producer stops.
func (s *stage[Cfg]) Run(ctx context.Context) {
	s.tel.LogInfo("running")

	defer s.closeOutputs()

	err := s.worker.run(ctx, s.in, s.outs)
	if err == nil || ctx.Err() != nil {
		s.tel.LogInfo("input pipe drained, stopping")
		return
	}

	if !errors.Is(err, pipe.ErrClosed) {
		s.tel.LogError("worker stopped", err)
	} else {
		s.tel.LogInfo("output pipe closed, stopping")
	}

	s.in.Close()
}

func (s *stage[Cfg]) closeOutputs() {
	for _, out := range s.outs {
		out.Close()
	}
}

// Close closes the output pipes.
func (s *stage[Cfg]) Close() {
	s.tel.LogInfo("closing")

	s.closeOutputs()
}

// awaitChunk waits for the next data region of the input pipe,
// bounded by maxSize. It returns io.EOF once the input is closed and drained.
func awaitChunk(ctx context.Context, in inPipe, maxSize int) ([]byte, error) {
	for {
		if err := in.AwaitData(ctx); err != nil {
			return nil, err
		}

		region, ok := in.Ring().DataRegion()
		if !ok {
			continue
		}

		return region.Bytes()[:min(region.Len(), maxSize)], nil
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

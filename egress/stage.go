package egress

import (
	"context"
	"errors"
	"net"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/pipe"
)

type sink interface {
	setTelemetry(tel *internal.Telemetry)
	run(ctx context.Context, in inPipe) error
}

type stage[Cfg cfg] struct {
	tel *internal.Telemetry

	cfg Cfg

	sink sink

	in inPipe
}

func newStage[Cfg cfg](name string, sink sink, in inPipe, cfg Cfg) *stage[Cfg] {
	tel := internal.NewTelemetry("egress", name)
	sink.setTelemetry(tel)

	return &stage[Cfg]{
		tel: tel,

		cfg: cfg,

		sink: sink,

		in: in,
	}
}

// Init validates the configuration, it must run before the sink is initialized.
func (s *stage[Cfg]) Init(_ context.Context) error {
	s.tel.LogInfo("initializing")

	config.NewValidator(s.tel).Validate(s.cfg)

	return nil
}

// Run drains the input pipe until it is closed and empty, or the context is done.
// If the sink fails, the input pipe is closed so the producer stops too.
func (s *stage[Cfg]) Run(ctx context.Context) {
	s.tel.LogInfo("running")

	err := s.sink.run(ctx, s.in)
	if err != nil && !isShutdown(ctx, err) {
		s.tel.LogError("sink stopped", err)
		s.in.Close()
		return
	}

	s.tel.LogInfo("input pipe drained, stopping")
}

// Close closes the input pipe.
func (s *stage[Cfg]) Close() {
	s.tel.LogInfo("closing")

	s.in.Close()
}

func isShutdown(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}

	return errors.Is(err, pipe.ErrClosed) || errors.Is(err, net.ErrClosed)
}

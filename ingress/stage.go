package ingress

import (
	"context"
	"errors"
	"net"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/pipe"
)

type source interface {
	setTelemetry(tel *internal.Telemetry)
	run(ctx context.Context, out outPipe) error
}

type stage[Cfg cfg] struct {
	tel *internal.Telemetry

	cfg Cfg

	source source

	out outPipe
}

func newStage[Cfg cfg](name string, source source, out outPipe, cfg Cfg) *stage[Cfg] {
	tel := internal.NewTelemetry("ingress", name)
	source.setTelemetry(tel)

	return &stage[Cfg]{
		tel: tel,

		cfg: cfg,

		source: source,

		out: out,
	}
}

// Init validates the configuration, it must run before the source is initialized.
func (s *stage[Cfg]) Init(_ context.Context) error {
	s.tel.LogInfo("initializing")

	config.NewValidator(s.tel).Validate(s.cfg)

	return nil
}

// Run runs the source until it ends or the context is done.
// The output pipe is closed afterwards, so the consumer drains it and stops.
func (s *stage[Cfg]) Run(ctx context.Context) {
	defer s.out.Close()

	err := s.source.run(ctx, s.out)
	if err != nil && !isShutdown(ctx, err) {
		s.tel.LogError("source stopped", err)
		return
	}

	s.tel.LogInfo("source done")
}

// Close closes the output pipe.
func (s *stage[Cfg]) Close() {
	s.tel.LogInfo("closing")

	s.out.Close()
}

func isShutdown(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}

	return errors.Is(err, pipe.ErrClosed) || errors.Is(err, net.ErrClosed)
}

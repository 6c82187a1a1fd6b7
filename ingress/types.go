// Package ingress contains the stages that write an external byte stream
// into the producer end of a pipe.
package ingress

import (
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/pipe"
)

type cfg = config.Config

type outPipe = *pipe.Pipe

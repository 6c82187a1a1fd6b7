// Package processor contains the stages that sit between two pipes:
// they consume the stream of an input pipe and produce into one or more output pipes.
package processor

import (
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/pipe"
)

type cfg = config.Config

type inPipe = *pipe.Pipe

type outPipe = *pipe.Pipe

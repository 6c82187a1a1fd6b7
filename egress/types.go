// Package egress contains the egress stages.
// An egress stage owns the consumer end of a pipe and delivers
// the stream somewhere else.
package egress

import (
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/pipe"
)

type cfg = config.Config

type inPipe = *pipe.Pipe

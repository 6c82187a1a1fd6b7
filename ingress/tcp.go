package ingress

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/internal/iov"
	"github.com/FerroO2000/bytering/internal/rb"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the TCP ingress stage configuration.
const (
	DefaultTCPConfigIPAddr      = "0.0.0.0"
	DefaultTCPConfigPort        = 20_000
	DefaultTCPConfigReadTimeout = 10 * time.Second
	DefaultTCPConfigVectoredIO  = true
)

// TCPConfig structs contains the configuration for the TCP ingress stage.
type TCPConfig struct {
	// IPAddr is the IP address of the server to listen on.
	IPAddr string

	// Port is the port to listen on. Zero picks an ephemeral port.
	Port uint16

	// ReadTimeout is the maximum idle time of a connection.
	ReadTimeout time.Duration

	// VectoredIO states whether to read straight into both free
	// segments of the ring with a single readv call.
	// When false, or where readv is not available, only the first
	// contiguous free region is filled per read.
	VectoredIO bool
}

// NewTCPConfig returns the default configuration for the TCP ingress stage.
func NewTCPConfig() *TCPConfig {
	return &TCPConfig{
		IPAddr:      DefaultTCPConfigIPAddr,
		Port:        DefaultTCPConfigPort,
		ReadTimeout: DefaultTCPConfigReadTimeout,
		VectoredIO:  DefaultTCPConfigVectoredIO,
	}
}

// Validate checks the configuration.
func (c *TCPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultTCPConfigIPAddr)

	config.CheckNotNegative(ac, "ReadTimeout", &c.ReadTimeout, DefaultTCPConfigReadTimeout)
	config.CheckNotZero(ac, "ReadTimeout", &c.ReadTimeout, DefaultTCPConfigReadTimeout)
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*tcpSource)(nil)

type tcpSource struct {
	tel *internal.Telemetry

	listener *net.TCPListener

	readTimeout time.Duration
	vectoredIO  bool

	segs *rb.Segments

	// Metrics
	openConnections atomic.Int64
	receivedBytes   atomic.Int64
	receivedChunks  atomic.Int64
}

func newTCPSource() *tcpSource {
	return &tcpSource{
		segs: rb.NewSegments(),
	}
}

func (ts *tcpSource) setTelemetry(tel *internal.Telemetry) {
	ts.tel = tel
}

func (ts *tcpSource) init(cfg *TCPConfig) error {
	parsedAddr, err := netip.ParseAddr(cfg.IPAddr)
	if err != nil {
		return err
	}

	addr := netip.AddrPortFrom(parsedAddr, cfg.Port)
	listener, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}

	ts.listener = listener

	ts.readTimeout = cfg.ReadTimeout
	ts.vectoredIO = cfg.VectoredIO

	ts.initMetrics()

	return nil
}

func (ts *tcpSource) initMetrics() {
	ts.tel.NewUpDownCounter("open_connections", func() int64 { return ts.openConnections.Load() })
	ts.tel.NewCounter("received_bytes", func() int64 { return ts.receivedBytes.Load() })
	ts.tel.NewCounter("received_chunks", func() int64 { return ts.receivedChunks.Load() })
}

func (ts *tcpSource) addr() net.Addr {
	return ts.listener.Addr()
}

// run accepts one connection at a time, since the pipe has a single producer.
func (ts *tcpSource) run(ctx context.Context, out outPipe) error {
	// Unblock Accept when the context is done
	stop := context.AfterFunc(ctx, func() {
		ts.listener.Close()
	})
	defer stop()

	for {
		conn, err := ts.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, net.ErrClosed) {
				return err
			}

			ts.tel.LogError("failed to accept connection", err)
			continue
		}

		if err := ts.handleConn(ctx, conn, out); err != nil {
			return err
		}
	}
}

// handleConn streams the connection into the pipe.
// It returns an error only when the pipe cannot take more bytes.
func (ts *tcpSource) handleConn(ctx context.Context, conn *net.TCPConn, out outPipe) error {
	defer conn.Close()

	// Close the connection when the context is done
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	ts.openConnections.Add(1)
	defer ts.openConnections.Add(-1)

	remoteAddr := conn.RemoteAddr().String()
	ts.tel.LogInfo("connection accepted", "remote_addr", remoteAddr)

	_, span := ts.tel.NewTrace(ctx, "receive TCP stream")
	defer span.End()

	connBytes := 0
	defer func() {
		span.SetAttributes(
			attribute.String("remote_addr", remoteAddr),
			attribute.Int("received_bytes", connBytes),
		)
	}()

	for {
		if err := out.AwaitSpace(ctx); err != nil {
			return err
		}

		if err := conn.SetReadDeadline(time.Now().Add(ts.readTimeout)); err != nil {
			ts.tel.LogError("failed to set read deadline", err)
			return nil
		}

		n, err := ts.read(conn, out)
		if n > 0 {
			if prodErr := out.Produce(n); prodErr != nil {
				return prodErr
			}

			connBytes += n
			ts.receivedBytes.Add(int64(n))
			ts.receivedChunks.Add(1)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				ts.tel.LogInfo("connection closed by peer", "remote_addr", remoteAddr)
				return nil
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			// Most likely the read deadline being exceeded
			ts.tel.LogError("failed to read connection", err, "remote_addr", remoteAddr)
			return nil
		}
	}
}

// read fills the free space of the ring without publishing it.
func (ts *tcpSource) read(conn *net.TCPConn, out outPipe) (int, error) {
	ring := out.Ring()

	if ts.vectoredIO {
		ring.FillWriteSegments(ts.segs)
		return iov.Readv(conn, ts.segs.Slices())
	}

	region, ok := ring.SpaceRegion()
	if !ok {
		return 0, nil
	}

	return conn.Read(region.Bytes())
}

func (ts *tcpSource) close() {
	if ts.listener != nil {
		ts.listener.Close()
	}
}

/////////////
//  STAGE  //
/////////////

// TCPStage is an ingress stage that streams TCP connections into a pipe.
type TCPStage struct {
	*stage[*TCPConfig]

	source *tcpSource
}

// NewTCPStage returns a new TCP ingress stage.
func NewTCPStage(out outPipe, cfg *TCPConfig) *TCPStage {
	source := newTCPSource()

	return &TCPStage{
		stage: newStage("tcp", source, out, cfg),

		source: source,
	}
}

// Init initializes the stage.
func (ts *TCPStage) Init(ctx context.Context) error {
	if err := ts.stage.Init(ctx); err != nil {
		return err
	}

	return ts.source.init(ts.cfg)
}

// Addr returns the address the stage is listening on.
// It is only valid after Init.
func (ts *TCPStage) Addr() net.Addr {
	return ts.source.addr()
}

// Close closes the stage.
func (ts *TCPStage) Close() {
	ts.source.close()
	ts.stage.Close()
}

package egress

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

// Default values for the TCP egress stage configuration.
const (
	DefaultTCPConfigIPAddr       = "127.0.0.1"
	DefaultTCPConfigPort         = 20_000
	DefaultTCPConfigDialTimeout  = 5 * time.Second
	DefaultTCPConfigWriteTimeout = 10 * time.Second
	DefaultTCPConfigVectoredIO   = true
)

// TCPConfig structs contains the configuration for the TCP egress stage.
type TCPConfig struct {
	// IPAddr is the destination IP address.
	IPAddr string

	// Port is the destination port.
	Port uint16

	// DialTimeout is the maximum time to wait for the connection.
	DialTimeout time.Duration

	// WriteTimeout is the maximum time a single write may block.
	WriteTimeout time.Duration

	// VectoredIO states whether to send both data segments of the ring
	// with a single writev call.
	VectoredIO bool
}

// NewTCPConfig returns the default configuration for the TCP egress stage.
func NewTCPConfig() *TCPConfig {
	return &TCPConfig{
		IPAddr:       DefaultTCPConfigIPAddr,
		Port:         DefaultTCPConfigPort,
		DialTimeout:  DefaultTCPConfigDialTimeout,
		WriteTimeout: DefaultTCPConfigWriteTimeout,
		VectoredIO:   DefaultTCPConfigVectoredIO,
	}
}

// Validate checks the configuration.
func (c *TCPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultTCPConfigIPAddr)
	config.CheckNotZero(ac, "Port", &c.Port, DefaultTCPConfigPort)

	config.CheckNotNegative(ac, "DialTimeout", &c.DialTimeout, DefaultTCPConfigDialTimeout)
	config.CheckNotZero(ac, "DialTimeout", &c.DialTimeout, DefaultTCPConfigDialTimeout)

	config.CheckNotNegative(ac, "WriteTimeout", &c.WriteTimeout, DefaultTCPConfigWriteTimeout)
	config.CheckNotZero(ac, "WriteTimeout", &c.WriteTimeout, DefaultTCPConfigWriteTimeout)
}

////////////
//  SINK  //
////////////

var _ sink = (*tcpSink)(nil)

type tcpSink struct {
	tel *internal.Telemetry

	conn *net.TCPConn

	writeTimeout time.Duration
	vectoredIO   bool

	segs *rb.Segments

	// Metrics
	deliveredBytes  atomic.Int64
	deliveredChunks atomic.Int64
}

func newTCPSink() *tcpSink {
	return &tcpSink{
		segs: rb.NewSegments(),
	}
}

func (ts *tcpSink) setTelemetry(tel *internal.Telemetry) {
	ts.tel = tel
}

func (ts *tcpSink) init(ctx context.Context, cfg *TCPConfig) error {
	parsedAddr, err := netip.ParseAddr(cfg.IPAddr)
	if err != nil {
		return err
	}
	addr := netip.AddrPortFrom(parsedAddr, cfg.Port)

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return err
	}

	ts.conn = conn.(*net.TCPConn)

	ts.writeTimeout = cfg.WriteTimeout
	ts.vectoredIO = cfg.VectoredIO

	ts.initMetrics()

	return nil
}

func (ts *tcpSink) initMetrics() {
	ts.tel.NewCounter("delivered_bytes", func() int64 { return ts.deliveredBytes.Load() })
	ts.tel.NewCounter("delivered_chunks", func() int64 { return ts.deliveredChunks.Load() })
}

func (ts *tcpSink) run(ctx context.Context, in inPipe) error {
	// Unblock a pending write when the context is done
	stop := context.AfterFunc(ctx, func() {
		ts.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	_, span := ts.tel.NewTrace(ctx, "send TCP stream")
	defer span.End()

	defer func() {
		span.SetAttributes(
			attribute.String("remote_addr", ts.conn.RemoteAddr().String()),
			attribute.Int64("delivered_bytes", ts.deliveredBytes.Load()),
		)
	}()

	for {
		if err := in.AwaitData(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				// Let the peer see the end of the stream
				return ts.conn.CloseWrite()
			}
			return err
		}

		if err := ts.conn.SetWriteDeadline(time.Now().Add(ts.writeTimeout)); err != nil {
			return err
		}

		n, err := ts.write(in)
		if n > 0 {
			if consErr := in.Consume(n); consErr != nil {
				return consErr
			}

			ts.deliveredBytes.Add(int64(n))
			ts.deliveredChunks.Add(1)
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// write sends the data of the ring without releasing it.
func (ts *tcpSink) write(in inPipe) (int, error) {
	ring := in.Ring()

	if ts.vectoredIO {
		ring.FillReadSegments(ts.segs)
		if ts.segs.Count == 0 {
			return 0, nil
		}
		return iov.Writev(ts.conn, ts.segs.Slices())
	}

	region, ok := ring.DataRegion()
	if !ok {
		return 0, nil
	}

	return ts.conn.Write(region.Bytes())
}

func (ts *tcpSink) close() {
	if ts.conn == nil {
		return
	}

	if err := ts.conn.Close(); err != nil {
		ts.tel.LogError("failed to close connection", err)
	}
}

/////////////
//  STAGE  //
/////////////

// TCPStage is an egress stage that streams a pipe to a TCP connection.
type TCPStage struct {
	*stage[*TCPConfig]

	sink *tcpSink
}

// NewTCPStage returns a new TCP egress stage.
func NewTCPStage(in inPipe, cfg *TCPConfig) *TCPStage {
	sink := newTCPSink()

	return &TCPStage{
		stage: newStage("tcp", sink, in, cfg),

		sink: sink,
	}
}

// Init initializes the stage and dials the destination.
func (ts *TCPStage) Init(ctx context.Context) error {
	if err := ts.stage.Init(ctx); err != nil {
		return err
	}

	return ts.sink.init(ctx, ts.cfg)
}

// DeliveredBytes returns the number of bytes sent so far.
func (ts *TCPStage) DeliveredBytes() int64 {
	return ts.sink.deliveredBytes.Load()
}

// Close closes the stage.
func (ts *TCPStage) Close() {
	ts.stage.Close()
	ts.sink.close()
}

package ingress

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the UDP ingress stage configuration.
const (
	DefaultUDPConfigIPAddr          = "0.0.0.0"
	DefaultUDPConfigPort            = 20_000
	DefaultUDPConfigMaxDatagramSize = 1472
)

// UDPConfig structs contains the configuration for the UDP ingress stage.
type UDPConfig struct {
	// IPAddr is the IP address to listen on.
	IPAddr string

	// Port is the port to listen on. Zero picks an ephemeral port.
	Port uint16

	// MaxDatagramSize is the size of the receive buffer.
	// Longer datagrams are truncated.
	MaxDatagramSize int
}

// NewUDPConfig returns the default configuration for the UDP ingress stage.
func NewUDPConfig() *UDPConfig {
	return &UDPConfig{
		IPAddr:          DefaultUDPConfigIPAddr,
		Port:            DefaultUDPConfigPort,
		MaxDatagramSize: DefaultUDPConfigMaxDatagramSize,
	}
}

// Validate checks the configuration.
func (c *UDPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultUDPConfigIPAddr)

	config.CheckNotNegative(ac, "MaxDatagramSize", &c.MaxDatagramSize, DefaultUDPConfigMaxDatagramSize)
	config.CheckNotZero(ac, "MaxDatagramSize", &c.MaxDatagramSize, DefaultUDPConfigMaxDatagramSize)
	config.CheckNotGreater(ac, "MaxDatagramSize", &c.MaxDatagramSize, 1<<16)
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*udpSource)(nil)

type udpSource struct {
	tel *internal.Telemetry

	conn *net.UDPConn

	buf []byte

	// Metrics
	receivedDatagrams atomic.Int64
	receivedBytes     atomic.Int64
}

func newUDPSource() *udpSource {
	return &udpSource{}
}

func (us *udpSource) setTelemetry(tel *internal.Telemetry) {
	us.tel = tel
}

func (us *udpSource) init(cfg *UDPConfig) error {
	parsedAddr, err := netip.ParseAddr(cfg.IPAddr)
	if err != nil {
		return err
	}

	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(parsedAddr, cfg.Port))
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	us.conn = conn
	us.buf = make([]byte, cfg.MaxDatagramSize)

	us.initMetrics()

	return nil
}

func (us *udpSource) initMetrics() {
	us.tel.NewCounter("received_datagrams", func() int64 { return us.receivedDatagrams.Load() })
	us.tel.NewCounter("received_bytes", func() int64 { return us.receivedBytes.Load() })
}

func (us *udpSource) addr() net.Addr {
	return us.conn.LocalAddr()
}

// run writes every datagram whole, so the stream keeps the datagram order
// and no datagram is split by a full ring.
func (us *udpSource) run(ctx context.Context, out outPipe) error {
	// Unblock Read when the context is done
	stop := context.AfterFunc(ctx, func() {
		us.conn.Close()
	})
	defer stop()

	for {
		n, err := us.conn.Read(us.buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, net.ErrClosed) {
				return err
			}

			us.tel.LogError("failed to read datagram", err)
			continue
		}

		if err := us.handleDatagram(ctx, us.buf[:n], out); err != nil {
			return err
		}
	}
}

func (us *udpSource) handleDatagram(ctx context.Context, datagram []byte, out outPipe) error {
	ctx, span := us.tel.NewTrace(ctx, "receive UDP datagram")
	defer span.End()

	span.SetAttributes(attribute.Int("datagram_size", len(datagram)))

	if _, err := out.WriteContext(ctx, datagram); err != nil {
		return err
	}

	us.receivedBytes.Add(int64(len(datagram)))
	us.receivedDatagrams.Add(1)

	return nil
}

func (us *udpSource) close() {
	if us.conn != nil {
		us.conn.Close()
	}
}

/////////////
//  STAGE  //
/////////////

// UDPStage is an ingress stage that writes UDP datagrams into a pipe.
type UDPStage struct {
	*stage[*UDPConfig]

	source *udpSource
}

// NewUDPStage returns a new UDP ingress stage.
func NewUDPStage(out outPipe, cfg *UDPConfig) *UDPStage {
	source := newUDPSource()

	return &UDPStage{
		stage: newStage("udp", source, out, cfg),

		source: source,
	}
}

// Init initializes the stage.
func (us *UDPStage) Init(ctx context.Context) error {
	if err := us.stage.Init(ctx); err != nil {
		return err
	}

	return us.source.init(us.cfg)
}

// Addr returns the address the stage is listening on.
// It is only valid after Init.
func (us *UDPStage) Addr() net.Addr {
	return us.source.addr()
}

// Close closes the stage.
func (us *UDPStage) Close() {
	us.source.close()
	us.stage.Close()
}

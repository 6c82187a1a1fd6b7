package egress

import (
	"context"
	"errors"
	"io"
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

// Default values for the UDP egress stage configuration.
const (
	DefaultUDPConfigIPAddr          = "127.0.0.1"
	DefaultUDPConfigPort            = 20_000
	DefaultUDPConfigMaxDatagramSize = 1472
)

// UDPConfig structs contains the configuration for the UDP egress stage.
type UDPConfig struct {
	// IPAddr is the destination IP address.
	IPAddr string

	// Port is the destination port.
	Port uint16

	// MaxDatagramSize is the maximum number of bytes sent in a single datagram.
	MaxDatagramSize int
}

// NewUDPConfig returns the default configuration for the UDP egress stage.
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
	config.CheckNotZero(ac, "Port", &c.Port, DefaultUDPConfigPort)

	config.CheckNotNegative(ac, "MaxDatagramSize", &c.MaxDatagramSize, DefaultUDPConfigMaxDatagramSize)
	config.CheckNotZero(ac, "MaxDatagramSize", &c.MaxDatagramSize, DefaultUDPConfigMaxDatagramSize)
	config.CheckNotGreater(ac, "MaxDatagramSize", &c.MaxDatagramSize, 65_507)
}

////////////
//  SINK  //
////////////

var _ sink = (*udpSink)(nil)

type udpSink struct {
	tel *internal.Telemetry

	conn *net.UDPConn

	maxDatagramSize int

	// Metrics
	deliveredBytes  atomic.Int64
	deliveredChunks atomic.Int64
	failedDatagrams atomic.Int64
}

func newUDPSink() *udpSink {
	return &udpSink{}
}

func (us *udpSink) setTelemetry(tel *internal.Telemetry) {
	us.tel = tel
}

func (us *udpSink) init(cfg *UDPConfig) error {
	parsedAddr, err := netip.ParseAddr(cfg.IPAddr)
	if err != nil {
		return err
	}
	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(parsedAddr, cfg.Port))

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return err
	}

	us.conn = conn
	us.maxDatagramSize = cfg.MaxDatagramSize

	us.initMetrics()

	return nil
}

func (us *udpSink) initMetrics() {
	us.tel.NewCounter("delivered_bytes", func() int64 { return us.deliveredBytes.Load() })
	us.tel.NewCounter("delivered_chunks", func() int64 { return us.deliveredChunks.Load() })
	us.tel.NewCounter("failed_datagrams", func() int64 { return us.failedDatagrams.Load() })
}

// run cuts the stream into datagrams. A datagram never spans the end
// of the storage, so the first one after a wrap may be shorter.
func (us *udpSink) run(ctx context.Context, in inPipe) error {
	for {
		if err := in.AwaitData(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		region, ok := in.Ring().DataRegion()
		if !ok {
			continue
		}

		datagram := region.Bytes()[:min(region.Len(), us.maxDatagramSize)]
		us.send(ctx, datagram)

		if err := in.Consume(len(datagram)); err != nil {
			return err
		}
	}
}

// send does not stop the stage on failure, a lost datagram is
// already a possible outcome of UDP.
func (us *udpSink) send(ctx context.Context, datagram []byte) {
	_, span := us.tel.NewTrace(ctx, "send UDP datagram")
	defer span.End()

	span.SetAttributes(attribute.Int("datagram_size", len(datagram)))

	n, err := us.conn.Write(datagram)
	if err != nil {
		us.tel.LogError("failed to send datagram", err)
		us.failedDatagrams.Add(1)
		return
	}

	us.deliveredBytes.Add(int64(n))
	us.deliveredChunks.Add(1)
}

func (us *udpSink) close() {
	if us.conn != nil {
		us.conn.Close()
	}
}

/////////////
//  STAGE  //
/////////////

// UDPStage is an egress stage that sends a pipe as UDP datagrams.
type UDPStage struct {
	*stage[*UDPConfig]

	sink *udpSink
}

// NewUDPStage returns a new UDP egress stage.
func NewUDPStage(in inPipe, cfg *UDPConfig) *UDPStage {
	sink := newUDPSink()

	return &UDPStage{
		stage: newStage("udp", sink, in, cfg),

		sink: sink,
	}
}

// Init initializes the stage.
func (us *UDPStage) Init(ctx context.Context) error {
	if err := us.stage.Init(ctx); err != nil {
		return err
	}

	return us.sink.init(us.cfg)
}

// DeliveredBytes returns the number of bytes sent so far.
func (us *UDPStage) DeliveredBytes() int64 {
	return us.sink.deliveredBytes.Load()
}

// Close closes the stage.
func (us *UDPStage) Close() {
	us.stage.Close()
	us.sink.close()
}

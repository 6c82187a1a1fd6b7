package egress

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/config"
	"github.com/FerroO2000/bytering/internal/telemetry"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// DefaultKafkaConfigBrokers is the default list of Kafka brokers to connect to.
var DefaultKafkaConfigBrokers = []string{"localhost:9092"}

// Default values for the Kafka egress stage configuration.
const (
	DefaultKafkaConfigTopic                  = "bytering"
	DefaultKafkaConfigMaxMessageSize         = 64 << 10
	DefaultKafkaConfigMaxAttempts            = 10
	DefaultKafkaConfigWriteBackoffMin        = 100 * time.Millisecond
	DefaultKafkaConfigWriteBackoffMax        = time.Second
	DefaultKafkaConfigBatchSize              = 100
	DefaultKafkaConfigBatchBytes             = 1 << 20
	DefaultKafkaConfigBatchTimeout           = time.Second
	DefaultKafkaConfigReadTimeout            = 10 * time.Second
	DefaultKafkaConfigWriteTimeout           = 10 * time.Second
	DefaultKafkaConfigRequiredAcks           = kafka.RequireOne
	DefaultKafkaConfigCompression            = kafka.Snappy
	DefaultKafkaConfigAllowAutoTopicCreation = true
)

// KafkaOffsetHeader is the header carrying the stream offset of the first byte
// of a message value.
const KafkaOffsetHeader = "bytering-offset"

// KafkaConfig structs contains the configuration for the Kafka egress stage.
type KafkaConfig struct {
	// A list of Kafka brokers to connect to.
	Brokers []string

	// Topic is the topic every message is written to.
	Topic string

	// Key is the key of every message. Since all the messages share it,
	// they land in the same partition and keep the stream order.
	Key []byte

	// MaxMessageSize is the maximum size of a message value.
	// The stream is cut into values of at most this size.
	MaxMessageSize int

	// Limit on how many attempts will be made to deliver a message.
	MaxAttempts int

	// WriteBackoffMin optionally sets the smallest amount of time the writer waits before
	// it attempts to write a batch of messages
	WriteBackoffMin time.Duration

	// WriteBackoffMax optionally sets the maximum amount of time the writer waits before
	// it attempts to write a batch of messages
	WriteBackoffMax time.Duration

	// Limit on how many messages will be buffered before being sent to a
	// partition.
	BatchSize int

	// Limit the maximum size of a request in bytes before being sent to
	// a partition.
	BatchBytes int64

	// Time limit on how often incomplete message batches will be flushed to
	// kafka.
	BatchTimeout time.Duration

	// Timeout for read operations performed by the Writer.
	ReadTimeout time.Duration

	// Timeout for write operation performed by the Writer.
	WriteTimeout time.Duration

	// Number of acknowledges from partition replicas required before receiving
	// a response to a produce request.
	RequiredAcks kafka.RequiredAcks

	// Compression set the compression codec to be used to compress messages.
	Compression kafka.Compression

	// A transport used to send messages to kafka clusters.
	// If nil, DefaultTransport is used.
	Transport kafka.RoundTripper

	// AllowAutoTopicCreation notifies writer to create topic if missing.
	AllowAutoTopicCreation bool
}

// NewKafkaConfig returns the default configuration for the Kafka egress stage.
func NewKafkaConfig(topic string) *KafkaConfig {
	return &KafkaConfig{
		Brokers:                DefaultKafkaConfigBrokers,
		Topic:                  topic,
		MaxMessageSize:         DefaultKafkaConfigMaxMessageSize,
		MaxAttempts:            DefaultKafkaConfigMaxAttempts,
		WriteBackoffMin:        DefaultKafkaConfigWriteBackoffMin,
		WriteBackoffMax:        DefaultKafkaConfigWriteBackoffMax,
		BatchSize:              DefaultKafkaConfigBatchSize,
		BatchBytes:             DefaultKafkaConfigBatchBytes,
		BatchTimeout:           DefaultKafkaConfigBatchTimeout,
		ReadTimeout:            DefaultKafkaConfigReadTimeout,
		WriteTimeout:           DefaultKafkaConfigWriteTimeout,
		RequiredAcks:           DefaultKafkaConfigRequiredAcks,
		Compression:            DefaultKafkaConfigCompression,
		AllowAutoTopicCreation: DefaultKafkaConfigAllowAutoTopicCreation,
	}
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "Brokers", &c.Brokers, DefaultKafkaConfigBrokers)
	config.CheckNotEmpty(ac, "Topic", &c.Topic, DefaultKafkaConfigTopic)

	config.CheckNotNegative(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultKafkaConfigMaxMessageSize)
	config.CheckNotZero(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultKafkaConfigMaxMessageSize)

	config.CheckNotNegative(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)
	config.CheckNotZero(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)

	config.CheckNotNegative(ac, "WriteBackoffMin", &c.WriteBackoffMin, DefaultKafkaConfigWriteBackoffMin)
	config.CheckNotNegative(ac, "WriteBackoffMax", &c.WriteBackoffMax, DefaultKafkaConfigWriteBackoffMax)
	config.CheckNotLowerThan(ac, "WriteBackoffMax", "WriteBackoffMin", &c.WriteBackoffMax, c.WriteBackoffMin)

	config.CheckNotNegative(ac, "BatchSize", &c.BatchSize, DefaultKafkaConfigBatchSize)
	config.CheckNotNegative(ac, "BatchBytes", &c.BatchBytes, DefaultKafkaConfigBatchBytes)
	config.CheckNotLowerThan(ac, "BatchBytes", "MaxMessageSize", &c.BatchBytes, int64(c.MaxMessageSize))
	config.CheckNotNegative(ac, "BatchTimeout", &c.BatchTimeout, DefaultKafkaConfigBatchTimeout)

	config.CheckNotNegative(ac, "ReadTimeout", &c.ReadTimeout, DefaultKafkaConfigReadTimeout)
	config.CheckNotNegative(ac, "WriteTimeout", &c.WriteTimeout, DefaultKafkaConfigWriteTimeout)
}

func (c *KafkaConfig) toWriter() *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Topic:                  c.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            c.MaxAttempts,
		WriteBackoffMin:        c.WriteBackoffMin,
		WriteBackoffMax:        c.WriteBackoffMax,
		BatchSize:              c.BatchSize,
		BatchBytes:             c.BatchBytes,
		BatchTimeout:           c.BatchTimeout,
		ReadTimeout:            c.ReadTimeout,
		WriteTimeout:           c.WriteTimeout,
		RequiredAcks:           c.RequiredAcks,
		Compression:            c.Compression,
		Transport:              c.Transport,
		AllowAutoTopicCreation: c.AllowAutoTopicCreation,
	}
}

////////////
//  SINK  //
////////////

var _ sink = (*kafkaSink)(nil)

// kafkaMessageWriter is the part of *kafka.Writer used by the sink.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaSink struct {
	tel *internal.Telemetry

	writer kafkaMessageWriter

	key            []byte
	maxMessageSize int

	// Metrics
	deliveredBytes  atomic.Int64
	deliveredChunks atomic.Int64
}

func newKafkaSink() *kafkaSink {
	return &kafkaSink{}
}

func (ks *kafkaSink) setTelemetry(tel *internal.Telemetry) {
	ks.tel = tel
}

func (ks *kafkaSink) init(cfg *KafkaConfig, writer kafkaMessageWriter) {
	ks.writer = writer

	ks.key = cfg.Key
	ks.maxMessageSize = cfg.MaxMessageSize

	ks.initMetrics()
}

func (ks *kafkaSink) initMetrics() {
	ks.tel.NewCounter("delivered_bytes", func() int64 { return ks.deliveredBytes.Load() })
	ks.tel.NewCounter("delivered_chunks", func() int64 { return ks.deliveredChunks.Load() })
}

func (ks *kafkaSink) run(ctx context.Context, in inPipe) error {
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

		chunk := region.Bytes()[:min(region.Len(), ks.maxMessageSize)]
		if err := ks.deliver(ctx, chunk); err != nil {
			return err
		}

		if err := in.Consume(len(chunk)); err != nil {
			return err
		}
	}
}

func (ks *kafkaSink) deliver(ctx context.Context, chunk []byte) error {
	ctx, span := ks.tel.NewTrace(ctx, "deliver kafka message")
	defer span.End()

	offset := ks.deliveredBytes.Load()
	span.SetAttributes(
		attribute.Int64("offset", offset),
		attribute.Int("value_size", len(chunk)),
	)

	headerCarrier := telemetry.NewKafkaHeaderCarrier(nil)
	headerCarrier.Set(KafkaOffsetHeader, strconv.FormatInt(offset, 10))
	ks.tel.InjectTrace(ctx, headerCarrier)

	// The value is copied, the region goes back to the producer once consumed
	msg := kafka.Message{
		Key:     ks.key,
		Value:   append([]byte(nil), chunk...),
		Headers: headerCarrier.Headers(),
	}

	if err := ks.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}

	ks.deliveredBytes.Add(int64(len(chunk)))
	ks.deliveredChunks.Add(1)

	return nil
}

func (ks *kafkaSink) close() {
	if ks.writer == nil {
		return
	}

	if err := ks.writer.Close(); err != nil {
		ks.tel.LogError("failed to close writer", err)
	}
}

/////////////
//  STAGE  //
/////////////

// KafkaStage is an egress stage that cuts a pipe into Kafka messages.
type KafkaStage struct {
	*stage[*KafkaConfig]

	sink *kafkaSink
}

// NewKafkaStage returns a new Kafka egress stage.
func NewKafkaStage(in inPipe, cfg *KafkaConfig) *KafkaStage {
	sink := newKafkaSink()

	return &KafkaStage{
		stage: newStage("kafka", sink, in, cfg),

		sink: sink,
	}
}

// Init initializes the stage.
func (ks *KafkaStage) Init(ctx context.Context) error {
	if err := ks.stage.Init(ctx); err != nil {
		return err
	}

	ks.sink.init(ks.cfg, ks.cfg.toWriter())

	return nil
}

// DeliveredBytes returns the number of bytes written to Kafka so far.
func (ks *KafkaStage) DeliveredBytes() int64 {
	return ks.sink.deliveredBytes.Load()
}

// Close closes the stage.
func (ks *KafkaStage) Close() {
	ks.stage.Close()
	ks.sink.close()
}

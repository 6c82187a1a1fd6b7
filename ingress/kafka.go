package ingress

import (
	"context"
	"errors"
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

var errKafkaNoTopics = errors.New("ingress: kafka stage needs at least one topic")

// DefaultKafkaConfigBrokers is the default list of Kafka brokers to connect to.
var DefaultKafkaConfigBrokers = []string{"localhost:9092"}

// Default values for the Kafka ingress stage configuration.
const (
	DefaultKafkaConfigGroupID        = "bytering"
	DefaultKafkaConfigQueueCapacity  = 100
	DefaultKafkaConfigMinBytes       = 1
	DefaultKafkaConfigMaxBytes       = 1 << 20
	DefaultKafkaConfigMaxWait        = 10 * time.Second
	DefaultKafkaConfigCommitInterval = 0
	DefaultKafkaConfigStartOffset    = kafka.FirstOffset
	DefaultKafkaConfigIsolationLevel = kafka.ReadUncommitted
	DefaultKafkaConfigMaxAttempts    = 3
)

// KafkaConfig structs contains the configuration for the Kafka ingress stage.
type KafkaConfig struct {
	// The list of broker addresses used to connect to the kafka cluster.
	Brokers []string

	// GroupID holds the consumer group id.
	GroupID string

	// Topics are the topics the stream is read from. Message values are
	// written into the pipe in the order they are received.
	Topics []string

	// An dialer used to open connections to the kafka server.
	// If nil, the default dialer is used instead.
	Dialer *kafka.Dialer

	// The capacity of the internal message queue.
	QueueCapacity int

	// MinBytes indicates to the broker the minimum batch size that the consumer
	// will accept.
	MinBytes int

	// MaxBytes indicates to the broker the maximum batch size that the consumer
	// will accept. It also bounds the size of a single message value.
	MaxBytes int

	// Maximum amount of time to wait for new data to come when fetching batches
	// of messages from kafka.
	MaxWait time.Duration

	// CommitInterval indicates the interval at which offsets are committed to
	// the broker. If 0, commits are handled synchronously.
	CommitInterval time.Duration

	// StartOffset determines from whence the consumer group should begin
	// consuming when it finds a partition without a committed offset.
	StartOffset int64

	// IsolationLevel controls the visibility of transactional records.
	IsolationLevel kafka.IsolationLevel

	// Limit of how many attempts to connect will be made before returning the error.
	MaxAttempts int
}

// NewKafkaConfig returns the default configuration for the Kafka ingress stage.
// There are NO default topics set.
func NewKafkaConfig(topics ...string) *KafkaConfig {
	return &KafkaConfig{
		Brokers:        DefaultKafkaConfigBrokers,
		GroupID:        DefaultKafkaConfigGroupID,
		Topics:         topics,
		QueueCapacity:  DefaultKafkaConfigQueueCapacity,
		MinBytes:       DefaultKafkaConfigMinBytes,
		MaxBytes:       DefaultKafkaConfigMaxBytes,
		MaxWait:        DefaultKafkaConfigMaxWait,
		CommitInterval: DefaultKafkaConfigCommitInterval,
		StartOffset:    DefaultKafkaConfigStartOffset,
		IsolationLevel: DefaultKafkaConfigIsolationLevel,
		MaxAttempts:    DefaultKafkaConfigMaxAttempts,
	}
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "Brokers", &c.Brokers, DefaultKafkaConfigBrokers)

	config.CheckNotEmpty(ac, "GroupID", &c.GroupID, DefaultKafkaConfigGroupID)

	config.CheckNotNegative(ac, "QueueCapacity", &c.QueueCapacity, DefaultKafkaConfigQueueCapacity)
	config.CheckNotZero(ac, "QueueCapacity", &c.QueueCapacity, DefaultKafkaConfigQueueCapacity)

	config.CheckNotNegative(ac, "MinBytes", &c.MinBytes, DefaultKafkaConfigMinBytes)
	config.CheckNotNegative(ac, "MaxBytes", &c.MaxBytes, DefaultKafkaConfigMaxBytes)
	config.CheckNotLowerThan(ac, "MaxBytes", "MinBytes", &c.MaxBytes, c.MinBytes)

	config.CheckNotNegative(ac, "MaxWait", &c.MaxWait, DefaultKafkaConfigMaxWait)
	config.CheckNotNegative(ac, "CommitInterval", &c.CommitInterval, DefaultKafkaConfigCommitInterval)

	config.CheckNotNegative(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)
	config.CheckNotZero(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)
}

func (c *KafkaConfig) toReaderConfig() kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		GroupTopics:    c.Topics,
		Dialer:         c.Dialer,
		QueueCapacity:  c.QueueCapacity,
		MinBytes:       c.MinBytes,
		MaxBytes:       c.MaxBytes,
		MaxWait:        c.MaxWait,
		CommitInterval: c.CommitInterval,
		StartOffset:    c.StartOffset,
		IsolationLevel: c.IsolationLevel,
		MaxAttempts:    c.MaxAttempts,
	}
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*kafkaSource)(nil)

// kafkaMessageReader is the part of *kafka.Reader used by the source.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaSource struct {
	tel *internal.Telemetry

	reader kafkaMessageReader

	// Metrics
	receivedMessages atomic.Int64
	receivedBytes    atomic.Int64
}

func newKafkaSource() *kafkaSource {
	return &kafkaSource{}
}

func (ks *kafkaSource) setTelemetry(tel *internal.Telemetry) {
	ks.tel = tel
}

func (ks *kafkaSource) init(reader kafkaMessageReader) {
	ks.reader = reader

	ks.initMetrics()
}

func (ks *kafkaSource) initMetrics() {
	ks.tel.NewCounter("received_bytes", func() int64 { return ks.receivedBytes.Load() })
	ks.tel.NewCounter("received_messages", func() int64 { return ks.receivedMessages.Load() })
}

func (ks *kafkaSource) run(ctx context.Context, out outPipe) error {
	for {
		msg, err := ks.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			ks.tel.LogError("failed to read message", err)
			return err
		}

		if err := ks.handleMessage(ctx, &msg, out); err != nil {
			return err
		}
	}
}

func (ks *kafkaSource) handleMessage(ctx context.Context, msg *kafka.Message, out outPipe) error {
	if len(msg.Headers) > 0 {
		headerCarrier := telemetry.NewKafkaHeaderCarrier(msg.Headers)
		ctx = ks.tel.ExtractTraceContext(ctx, headerCarrier)
	}

	ctx, span := ks.tel.NewTrace(ctx, "write kafka message into pipe")
	defer span.End()

	valueSize := len(msg.Value)
	span.SetAttributes(
		attribute.String("topic", msg.Topic),
		attribute.Int("partition", msg.Partition),
		attribute.Int64("offset", msg.Offset),
		attribute.Int("value_size", valueSize),
	)

	if _, err := out.WriteContext(ctx, msg.Value); err != nil {
		return err
	}

	ks.receivedBytes.Add(int64(valueSize))
	ks.receivedMessages.Add(1)

	return nil
}

func (ks *kafkaSource) close() {
	if ks.reader == nil {
		return
	}

	if err := ks.reader.Close(); err != nil {
		ks.tel.LogError("failed to close reader", err)
	}
}

/////////////
//  STAGE  //
/////////////

// KafkaStage is an ingress stage that writes the values of Kafka messages into a pipe.
type KafkaStage struct {
	*stage[*KafkaConfig]

	source *kafkaSource
}

// NewKafkaStage returns a new Kafka ingress stage.
func NewKafkaStage(out outPipe, cfg *KafkaConfig) *KafkaStage {
	source := newKafkaSource()

	return &KafkaStage{
		stage: newStage("kafka", source, out, cfg),

		source: source,
	}
}

// Init initializes the stage.
func (ks *KafkaStage) Init(ctx context.Context) error {
	if err := ks.stage.Init(ctx); err != nil {
		return err
	}

	if len(ks.cfg.Topics) == 0 {
		return errKafkaNoTopics
	}

	ks.source.init(kafka.NewReader(ks.cfg.toReaderConfig()))

	return nil
}

// Close closes the stage.
func (ks *KafkaStage) Close() {
	ks.stage.Close()
	ks.source.close()
}

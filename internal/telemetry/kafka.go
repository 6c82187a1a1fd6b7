// Package telemetry contains the carriers used to propagate trace contexts
// through the transports of the library.
package telemetry

import (
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
)

var _ propagation.TextMapCarrier = (*KafkaHeaderCarrier)(nil)

// KafkaHeaderCarrier adapts the headers of a Kafka message to a text map carrier.
type KafkaHeaderCarrier struct {
	headers []kafka.Header
}

// NewKafkaHeaderCarrier returns a carrier over a copy of the given headers.
func NewKafkaHeaderCarrier(headers []kafka.Header) *KafkaHeaderCarrier {
	return &KafkaHeaderCarrier{
		headers: append([]kafka.Header(nil), headers...),
	}
}

// Get returns the value of the first header with the given key.
func (c *KafkaHeaderCarrier) Get(key string) string {
	for _, header := range c.headers {
		if header.Key == key {
			return string(header.Value)
		}
	}

	return ""
}

// Set replaces the value of the header with the given key, or appends it.
func (c *KafkaHeaderCarrier) Set(key, value string) {
	for idx, header := range c.headers {
		if header.Key == key {
			c.headers[idx].Value = []byte(value)
			return
		}
	}

	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys returns the keys of all the headers.
func (c *KafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, header := range c.headers {
		keys = append(keys, header.Key)
	}

	return keys
}

// Headers returns the headers, ready to be attached to a Kafka message.
func (c *KafkaHeaderCarrier) Headers() []kafka.Header {
	return c.headers
}

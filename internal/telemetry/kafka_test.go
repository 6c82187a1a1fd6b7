package telemetry

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func Test_KafkaHeaderCarrier(t *testing.T) {
	assert := assert.New(t)

	orig := []kafka.Header{{Key: "chunk", Value: []byte("1")}}

	carrier := NewKafkaHeaderCarrier(orig)
	assert.Equal("1", carrier.Get("chunk"))
	assert.Empty(carrier.Get("missing"))

	carrier.Set("chunk", "2")
	carrier.Set("stream", "tcp")
	assert.Equal("2", carrier.Get("chunk"))
	assert.Equal([]string{"chunk", "stream"}, carrier.Keys())
	assert.Len(carrier.Headers(), 2)

	// The original headers are not touched
	assert.Equal([]byte("1"), orig[0].Value)
}

func Test_KafkaHeaderCarrier_Propagation(t *testing.T) {
	assert := assert.New(t)

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})

	propagator := propagation.TraceContext{}

	out := NewKafkaHeaderCarrier(nil)
	propagator.Inject(trace.ContextWithSpanContext(context.Background(), spanCtx), out)
	assert.NotEmpty(out.Get("traceparent"))

	in := NewKafkaHeaderCarrier(out.Headers())
	extracted := trace.SpanContextFromContext(propagator.Extract(context.Background(), in))
	assert.Equal(spanCtx.TraceID(), extracted.TraceID())
	assert.Equal(spanCtx.SpanID(), extracted.SpanID())
}

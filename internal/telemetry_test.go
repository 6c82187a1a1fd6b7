package internal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/metric"
)

func Test_newRootHandler(t *testing.T) {
	assert := assert.New(t)

	prevLevel := logLevel.Level()
	t.Cleanup(func() { SetLogLevel(prevLevel) })
	SetLogLevel(slog.LevelInfo)

	consoleBuf := &bytes.Buffer{}
	bridgeBuf := &bytes.Buffer{}

	bridge := slog.NewTextHandler(bridgeBuf, &slog.HandlerOptions{Level: slog.LevelWarn})

	logger := slog.New(newRootHandler(consoleBuf, true, bridge)).With("stage", "tcp").WithGroup("ring")

	logger.Debug("dropped")
	assert.Zero(consoleBuf.Len())
	assert.Zero(bridgeBuf.Len())

	logger.Info("accepted", "capacity", 64)
	assert.Contains(consoleBuf.String(), "accepted")
	assert.Contains(consoleBuf.String(), "stage=tcp")
	assert.Contains(consoleBuf.String(), "capacity=64")
	assert.Zero(bridgeBuf.Len())

	// Both handlers receive the record
	logger.Warn("anomaly")
	assert.Contains(consoleBuf.String(), "anomaly")
	assert.Contains(bridgeBuf.String(), "anomaly")
	assert.Contains(bridgeBuf.String(), "stage=tcp")

	SetLogLevel(slog.LevelError)
	consoleBuf.Reset()
	logger.Warn("silenced")
	assert.Zero(consoleBuf.Len())
	assert.Contains(bridgeBuf.String(), "silenced")
}

func Test_Telemetry(t *testing.T) {
	assert := assert.New(t)

	tel := NewTelemetry("test", "telemetry")
	assert.NotNil(tel.Logger())

	tel.LogInfo("info", "key", "value")
	tel.LogWarn("warn")
	tel.LogError("error", errors.New("boom"), "key", "value")

	tel.NewCounter("bytes", func() int64 { return 1 })
	tel.NewUpDownCounter("open", func() int64 { return 0 })

	hist := tel.NewHistogram("latency", metric.WithUnit("ms"))
	assert.NotPanics(func() {
		hist.Record(context.Background(), 10)
	})

	assert.NotPanics(func() {
		(&Histogram{}).Record(context.Background(), 10)
	})

	ctx, span := tel.NewTrace(context.Background(), "operation")
	assert.NotNil(ctx)
	span.End()
}

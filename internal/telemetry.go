// Package internal contains the telemetry shared by every stage of the library.
package internal

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/FerroO2000/bytering"

var (
	logLevel = &slog.LevelVar{}

	rootLoggerOnce sync.Once
	rootLogger     *slog.Logger
)

// SetLogLevel sets the minimum level of the records emitted by every telemetry instance.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

func getRootLogger() *slog.Logger {
	rootLoggerOnce.Do(func() {
		bridge := otelslog.NewHandler(instrumentationName)
		noColor := !isatty.IsTerminal(os.Stdout.Fd())

		rootLogger = slog.New(newRootHandler(colorable.NewColorable(os.Stdout), noColor, bridge))
	})

	return rootLogger
}

// newRootHandler sends every record both to the console and to the bridge handler.
func newRootHandler(console io.Writer, noColor bool, bridge slog.Handler) slog.Handler {
	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})

	return slogmulti.Fanout(consoleHandler, bridge)
}

// Telemetry groups the logger, the meter and the tracer of a stage.
type Telemetry struct {
	scope string
	name  string

	logger *slog.Logger
	meter  metric.Meter
	tracer trace.Tracer

	attrs attribute.Set
}

// NewTelemetry returns the telemetry of the named stage within the given scope
// (ingress, egress, pipe...).
func NewTelemetry(scope, name string) *Telemetry {
	instScope := instrumentationName + "/" + scope

	return &Telemetry{
		scope: scope,
		name:  name,

		logger: getRootLogger().With("scope", scope, "stage", name),
		meter:  otel.Meter(instScope),
		tracer: otel.Tracer(instScope),

		attrs: attribute.NewSet(attribute.String("stage", name)),
	}
}

// Logger returns the underlying structured logger.
func (t *Telemetry) Logger() *slog.Logger {
	return t.logger
}

// LogInfo logs an info message.
func (t *Telemetry) LogInfo(msg string, args ...any) {
	t.logger.Info(msg, args...)
}

// LogWarn logs a warning message.
func (t *Telemetry) LogWarn(msg string, args ...any) {
	t.logger.Warn(msg, args...)
}

// LogError logs an error message along with the error that caused it.
func (t *Telemetry) LogError(msg string, err error, args ...any) {
	t.logger.Error(msg, append([]any{tint.Err(err)}, args...)...)
}

func (t *Telemetry) metricName(name string) string {
	return t.scope + "." + name
}

// NewCounter registers a monotonic counter observed through the given callback.
func (t *Telemetry) NewCounter(name string, callback func() int64) {
	_, err := t.meter.Int64ObservableCounter(t.metricName(name),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(callback(), metric.WithAttributeSet(t.attrs))
			return nil
		}),
	)

	if err != nil {
		t.LogError("failed to create counter", err, "name", name)
	}
}

// NewUpDownCounter registers a counter that can go up and down,
// observed through the given callback.
func (t *Telemetry) NewUpDownCounter(name string, callback func() int64) {
	_, err := t.meter.Int64ObservableUpDownCounter(t.metricName(name),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(callback(), metric.WithAttributeSet(t.attrs))
			return nil
		}),
	)

	if err != nil {
		t.LogError("failed to create up/down counter", err, "name", name)
	}
}

// Histogram is a synchronous int64 histogram bound to a stage.
type Histogram struct {
	hist  metric.Int64Histogram
	attrs metric.MeasurementOption
}

// Record adds a value to the histogram.
func (h *Histogram) Record(ctx context.Context, value int64) {
	if h.hist == nil {
		return
	}

	h.hist.Record(ctx, value, h.attrs)
}

// NewHistogram returns a new histogram.
// On failure the returned histogram drops every value.
func (t *Telemetry) NewHistogram(name string, opts ...metric.Int64HistogramOption) *Histogram {
	hist, err := t.meter.Int64Histogram(t.metricName(name), opts...)
	if err != nil {
		t.LogError("failed to create histogram", err, "name", name)
		return &Histogram{}
	}

	return &Histogram{
		hist:  hist,
		attrs: metric.WithAttributeSet(t.attrs),
	}
}

// NewTrace starts a new span named after the operation.
func (t *Telemetry) NewTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(t.attrs.ToSlice()...))
}

// InjectTrace writes the span context of ctx into the carrier.
func (t *Telemetry) InjectTrace(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractTraceContext returns a copy of ctx carrying the span context found in the carrier.
func (t *Telemetry) ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Command ringbench measures the throughput of a ring between two pinned threads.
//
// A producer and a consumer, each on a locked OS thread, move -total bytes
// in -chunk sized steps through a ring of -capacity bytes. A side that makes
// no progress yields the processor. The throughput is reported in MB/s.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/FerroO2000/bytering"
	"github.com/FerroO2000/bytering/internal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type flags struct {
	variant  string
	capacity uint
	total    int64
	chunk    int
	mode     string
	cpus     string
	repeat   int

	otlpEndpoint string
	traceRatio   float64
	questDBAddr  string
	verbose      bool
}

func parseFlags() *flags {
	f := &flags{}

	flag.StringVar(&f.variant, "variant", "optimized", "ring variant: sequential | optimized")
	flag.UintVar(&f.capacity, "capacity", 1<<20, "ring capacity in bytes")
	flag.Int64Var(&f.total, "total", 16<<20, "bytes to transfer per run")
	flag.IntVar(&f.chunk, "chunk", 4096, "bytes moved per step")
	flag.StringVar(&f.mode, "mode", modeCopy, "transfer mode: "+strings.Join(modes, " | ")+" | all")
	flag.StringVar(&f.cpus, "cpus", "", "producer and consumer CPUs, e.g. 2,4 (empty: not pinned)")
	flag.IntVar(&f.repeat, "repeat", 1, "runs per mode")
	flag.StringVar(&f.otlpEndpoint, "otlp", "", "OTLP gRPC collector endpoint, e.g. localhost:4317")
	flag.Float64Var(&f.traceRatio, "trace-ratio", 0.05, "sampling ratio of the exported traces")
	flag.StringVar(&f.questDBAddr, "questdb", "", "QuestDB HTTP address the results are written to, e.g. localhost:9000")
	flag.BoolVar(&f.verbose, "v", false, "log debug messages")

	flag.Parse()

	return f
}

func parseCPUs(value string) (int, int, error) {
	if value == "" {
		return -1, -1, nil
	}

	producer, consumer, ok := strings.Cut(value, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid -cpus %q: want producer,consumer", value)
	}

	producerCPU, err := strconv.Atoi(strings.TrimSpace(producer))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid producer cpu: %w", err)
	}

	consumerCPU, err := strconv.Atoi(strings.TrimSpace(consumer))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid consumer cpu: %w", err)
	}

	return producerCPU, consumerCPU, nil
}

func (f *flags) benchConfigs() ([]*benchConfig, error) {
	kind, err := bytering.ParseKind(f.variant)
	if err != nil {
		return nil, err
	}

	if f.capacity == 0 || f.capacity > bytering.MaxCapacity {
		return nil, fmt.Errorf("invalid -capacity %d: %w", f.capacity, bytering.ErrCapacity)
	}

	if f.total <= 0 || f.chunk <= 0 {
		return nil, errors.New("-total and -chunk must be positive")
	}

	producerCPU, consumerCPU, err := parseCPUs(f.cpus)
	if err != nil {
		return nil, err
	}

	benchModes := []string{f.mode}
	if f.mode == "all" {
		benchModes = modes
	} else if !slices.Contains(modes, f.mode) {
		return nil, fmt.Errorf("invalid -mode %q", f.mode)
	}

	cfgs := make([]*benchConfig, 0, len(benchModes))
	for _, mode := range benchModes {
		cfgs = append(cfgs, &benchConfig{
			kind:        kind,
			capacity:    uint32(f.capacity),
			total:       f.total,
			chunk:       f.chunk,
			mode:        mode,
			producerCPU: producerCPU,
			consumerCPU: consumerCPU,
		})
	}

	return cfgs, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ringbench:", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	if f.verbose {
		internal.SetLogLevel(slog.LevelDebug)
	}

	cfgs, err := f.benchConfigs()
	if err != nil {
		return err
	}

	ctx, cancelCtx := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelCtx()

	tel := internal.NewTelemetry("cmd", "ringbench")

	if f.otlpEndpoint != "" {
		providers, err := initTelemetry(ctx, f.otlpEndpoint, f.traceRatio)
		if err != nil {
			tel.LogWarn("running without OpenTelemetry export", "reason", err.Error())
		} else {
			defer func() {
				if err := providers.shutdown(context.Background()); err != nil {
					tel.LogError("failed to shutdown telemetry", err)
				}
			}()
		}
	}

	var reporter *questDBReporter
	if f.questDBAddr != "" {
		reporter, err = newQuestDBReporter(f.questDBAddr)
		if err != nil {
			return err
		}

		defer func() {
			if err := reporter.close(context.Background()); err != nil {
				tel.LogError("failed to close QuestDB reporter", err)
			}
		}()
	}

	throughputHist := tel.NewHistogram("throughput",
		metric.WithUnit("MiBy/s"),
		metric.WithDescription("Throughput of a benchmark run"),
	)

	for _, cfg := range cfgs {
		for iteration := range f.repeat {
			if err := runOnce(ctx, tel, throughputHist, reporter, cfg, iteration); err != nil {
				return err
			}
		}
	}

	return nil
}

func runOnce(
	ctx context.Context, tel *internal.Telemetry, hist *internal.Histogram,
	reporter *questDBReporter, cfg *benchConfig, iteration int,
) error {

	ctx, span := tel.NewTrace(ctx, "benchmark run")
	defer span.End()

	span.SetAttributes(
		attribute.String("variant", cfg.kind.String()),
		attribute.String("mode", cfg.mode),
		attribute.Int("capacity", int(cfg.capacity)),
		attribute.Int("chunk_size", cfg.chunk),
	)

	tel.LogInfo("starting run",
		"variant", cfg.kind.String(), "mode", cfg.mode, "iteration", iteration,
		"capacity", cfg.capacity, "chunk_size", cfg.chunk, "total_bytes", cfg.total,
	)

	res, err := runBench(ctx, cfg)
	if err != nil {
		tel.LogError("run failed", err, "mode", cfg.mode)
		return err
	}

	throughput := res.throughput()
	hist.Record(ctx, int64(throughput))

	tel.LogInfo("run done",
		"mode", cfg.mode,
		"transferred_mb", float64(res.bytes)/(1<<20),
		"seconds", fmt.Sprintf("%.4f", res.elapsed.Seconds()),
		"throughput_mb_s", fmt.Sprintf("%.2f", throughput),
		"producer_yields", res.producerYields,
		"consumer_yields", res.consumerYields,
	)

	if reporter != nil {
		if err := reporter.report(ctx, cfg, res); err != nil {
			tel.LogError("failed to report run", err)
		}
	}

	return nil
}

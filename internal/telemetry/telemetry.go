// Package telemetry sets up structured logging, tracing and metrics.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config selects log, trace and metric destinations. Empty file names disable
// the corresponding file output.
type Config struct {
	ServiceName    string
	LogFile        string
	LogLevel       string
	Stdout         bool
	TraceFile      string
	MetricsFile    string
	MetricInterval time.Duration
}

// InitLogger installs a JSON slog logger writing to stdout and/or a rotated file.
func InitLogger(cfg Config) (*slog.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}
	if cfg.Stdout {
		writers = append(writers, os.Stdout)
	}
	if cfg.LogFile != "" {
		lj, err := rotatingFile(cfg.LogFile)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, lj)
		closer = lj
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: ParseLevel(cfg.LogLevel),
	})

	logger := slog.New(handler)
	if cfg.ServiceName != "" {
		logger = logger.With("service", cfg.ServiceName)
	}
	slog.SetDefault(logger)

	return logger, closer, nil
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Init installs global OpenTelemetry tracer and meter providers exporting to rotated
// files. The returned function flushes and closes them.
func Init(ctx context.Context, cfg Config) (func(), error) {
	name := cfg.ServiceName
	if name == "" {
		name = "livesession"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", name),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdowns []func(context.Context) error
	var files []*lumberjack.Logger

	if cfg.TraceFile != "" {
		traceFile, err := rotatingFile(cfg.TraceFile)
		if err != nil {
			return nil, err
		}
		files = append(files, traceFile)

		traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceFile))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	if cfg.MetricsFile != "" {
		metricsFile, err := rotatingFile(cfg.MetricsFile)
		if err != nil {
			return nil, err
		}
		files = append(files, metricsFile)

		metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsFile))
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, shutdown := range shutdowns {
			if err := shutdown(ctx); err != nil {
				slog.Error("failed to shutdown telemetry provider", "error", err)
			}
		}
		for _, f := range files {
			if err := f.Close(); err != nil {
				slog.Error("failed to close telemetry file", "file", f.Filename, "error", err)
			}
		}
	}
	return cleanup, nil
}

func rotatingFile(name string) (*lumberjack.Logger, error) {
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	return &lumberjack.Logger{
		Filename:   name,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

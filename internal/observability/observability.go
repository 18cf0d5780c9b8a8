// Package observability wires the process-wide logging pipeline: slog for all
// application logging, optionally bridged into the OpenTelemetry log SDK when
// an exporter is configured through the standard OTEL environment variables.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const scopeName = "github.com/hllvc/skydesk-auth"

var loggerProvider *sdklog.LoggerProvider

// Instrument installs the default slog handler for the given level and format
// ("text" or "json"). When OTEL_LOGS_EXPORTER selects an exporter, log records
// are additionally bridged into the OpenTelemetry log SDK, filtered to the
// same minimum severity.
func Instrument(level slog.Level, format string) error {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	exporter, err := newExporter(os.Getenv("OTEL_LOGS_EXPORTER"))
	if err != nil {
		return err
	}
	if exporter != nil {
		processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), minSeverity(level))
		loggerProvider = sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
		global.SetLoggerProvider(loggerProvider)

		handler = fanout{
			handler,
			otelslog.NewHandler(scopeName, otelslog.WithLoggerProvider(loggerProvider)),
		}
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Shutdown flushes and stops the OpenTelemetry pipeline, if one was set up.
func Shutdown(ctx context.Context) error {
	if loggerProvider == nil {
		return nil
	}
	return loggerProvider.Shutdown(ctx)
}

// newExporter builds the log exporter selected by the OTEL_LOGS_EXPORTER
// convention. An empty or "none" selection disables the bridge entirely.
func newExporter(name string) (sdklog.Exporter, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "stdout", "console":
		return stdoutlog.New()
	case "otlp":
		// Endpoint, headers, and TLS come from the standard OTEL_EXPORTER_OTLP_* variables.
		if os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL") == "grpc" {
			return otlploggrpc.New(context.Background())
		}
		return otlploghttp.New(context.Background())
	default:
		return nil, fmt.Errorf("unsupported OTEL_LOGS_EXPORTER %q", name)
	}
}

func minSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

// fanout duplicates each record to every wrapped handler.
type fanout []slog.Handler

// Compile-time check that fanout implements slog.Handler
var _ slog.Handler = (fanout)(nil)

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

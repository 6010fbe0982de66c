// Package telemetry sets up OpenTelemetry tracing for the sessiontrace
// binaries. The ingestion server and the payload transport create spans
// through otelhttp; this package decides where they go.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

type Options struct {
	ServiceName string
	Version     string
	// SampleRatio is the share of new traces kept. Values outside (0, 1]
	// keep every trace.
	SampleRatio float64
	Output      io.Writer // defaults to stderr
	Pretty      bool
	Logger      *slog.Logger
}

// Shutdown flushes pending spans and stops the provider.
type Shutdown func(context.Context) error

// Setup installs the global tracer provider and the W3C trace context
// propagator, so a payload delivered by the tracker joins the trace of the
// ingestion request that stores it.
func Setup(opts Options) (Shutdown, error) {
	if opts.ServiceName == "" {
		return nil, errors.New("telemetry: service name is required")
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(opts.Output)}
	if opts.Pretty {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.Version))
	}
	// empty schema URL: resource.Default carries the SDK's own schema
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	opts.Logger.Info("tracing enabled",
		"service", opts.ServiceName,
		"sample_ratio", ratio)
	return tp.Shutdown, nil
}

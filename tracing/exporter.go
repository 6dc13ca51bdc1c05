// Package tracing configures OpenTelemetry for the console.
package tracing

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/roomctl/buildinfo"
)

// TracerOpts specifies which exporters should be configured.
type TracerOpts struct {
	// Default exports over OTLP/gRPC to a backend configured by the
	// standard OTEL_EXPORTER_OTLP_* environment variables.
	Default bool
	// Endpoint overrides the OTLP collector address, e.g.
	// "otel-collector:4317".
	Endpoint string
	// Insecure disables TLS to the collector.
	Insecure bool
}

// Enabled reports whether any exporter is configured.
func (o TracerOpts) Enabled() bool {
	return o.Default || o.Endpoint != ""
}

// TracerProvider creates a trace provider exporting to the configured
// backends and installs it globally. When no exporter is enabled a
// no-op provider is returned. Callers must invoke the returned closer
// to flush pending spans.
func TracerProvider(ctx context.Context, logger slog.Logger, service string, opts TracerOpts) (trace.TracerProvider, func(context.Context) error, error) {
	if !opts.Enabled() {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	exporter, err := otlpExporter(ctx, opts)
	if err != nil {
		return nil, nil, xerrors.Errorf("otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("service.version", buildinfo.Version()),
	)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Debug(context.Background(), "otel error", slog.Error(err))
	}))
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tracerProvider, func(ctx context.Context) error {
		var merr error
		if err := tracerProvider.ForceFlush(ctx); err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("flush spans: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("shutdown tracer provider: %w", err))
		}
		return merr
	}, nil
}

func otlpExporter(ctx context.Context, opts TracerOpts) (*otlptrace.Exporter, error) {
	var clientOpts []otlptracegrpc.Option
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, otlptracegrpc.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, xerrors.Errorf("create otlp exporter: %w", err)
	}
	return exporter, nil
}

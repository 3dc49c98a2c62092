// Package telemetry bootstraps the harness's own OTel TracerProvider, tied
// to a single run's lifecycle rather than a process-wide singleton: each
// Run gets its own Provider, started when the run begins and shut down
// when it finishes, so a second run (e.g. in tests) never inherits a
// stale global exporter.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider owns a run-scoped TracerProvider. When Endpoint is empty, a
// no-op tracer is installed: the harness's own self-tracing is optional,
// unlike the OTLP ingress it exposes for the agent under test.
type Provider struct {
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer
	previous trace.TracerProvider
}

// Config controls where the harness's own spans (if any) are exported.
type Config struct {
	ServiceName string
	Endpoint    string // e.g. "localhost:4317"; empty disables export
}

// NewProvider builds a Provider for one run. It does not call
// otel.SetTracerProvider globally; callers obtain a Tracer via Tracer()
// and pass it explicitly, keeping each run's telemetry independent.
func NewProvider(ctx context.Context, cfg Config, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}

	if cfg.Endpoint == "" {
		log.Info("telemetry: self-tracing disabled (no endpoint configured)")
		return &Provider{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithProcess(),
	)
	if err != nil {
		log.Warn("telemetry: resource detection failed, using empty resource", "error", err)
		res = resource.Empty()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(cfg.ServiceName),
	}, nil
}

// Tracer returns the run-scoped Tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and closes the underlying SDK provider, if any.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

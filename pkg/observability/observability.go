// Package observability wires OpenTelemetry tracing for the gateway.
// Metrics stay on the Prometheus registry; this package only exports spans.
// Without an OTLP endpoint the provider is inert and spans are no-ops.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the trace provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is the gRPC collector address, e.g. "localhost:4317".
	// Empty disables export entirely.
	OTLPEndpoint string
	BatchTimeout time.Duration
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	logger         *slog.Logger
}

// New initializes tracing. With no endpoint configured it returns a
// provider whose Shutdown is a no-op.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{logger: slog.Default().With("component", "observability")}
	if cfg.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "tracing disabled, no collector endpoint")
		return p, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agent-gateway"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.logger.InfoContext(ctx, "tracing initialized", "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

// Tracer returns a named tracer from the active provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("observability: shutdown: %w", err)
	}
	return nil
}

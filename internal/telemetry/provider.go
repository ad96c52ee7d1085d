package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects the span exporter for this process. The zero value keeps
// tracing off: every Tracer() call then hands out no-op spans and the
// instrumented code paths cost nothing.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// ExporterType is "grpc" or "http"; Endpoint is the OTLP collector
	// address (e.g. "localhost:4317" for gRPC, "localhost:4318" for HTTP).
	ExporterType string
	Endpoint     string

	// SampleRate in [0,1]; 1 samples everything.
	SampleRate float64
}

// ConfigFromEnv reads the exporter selection from the environment so the
// operator can point the daemon at a collector without touching the
// settings file:
//
//	STREAMVAULT_OTLP_ENDPOINT   collector address; setting it enables tracing
//	STREAMVAULT_OTLP_PROTOCOL   "grpc" (default) or "http"
//	STREAMVAULT_TRACE_SAMPLE    sampling ratio, default 1.0
func ConfigFromEnv(serviceName, serviceVersion string) Config {
	cfg := Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		ExporterType:   "grpc",
		SampleRate:     1.0,
	}
	cfg.Endpoint = os.Getenv("STREAMVAULT_OTLP_ENDPOINT")
	cfg.Enabled = cfg.Endpoint != ""
	if v := os.Getenv("STREAMVAULT_OTLP_PROTOCOL"); v != "" {
		cfg.ExporterType = v
	}
	if v := os.Getenv("STREAMVAULT_TRACE_SAMPLE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SampleRate = f
		}
	}
	return cfg
}

// Provider owns the installed tracer provider for shutdown flushing.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider installs the global tracer provider and W3C propagators.
// Disabled configs install a no-op provider and succeed, so callers never
// branch on whether tracing is on.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.ExporterType {
	case "grpc":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "http":
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q (grpc or http)", cfg.ExporterType)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s otlp exporter: %w", cfg.ExporterType, err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans; a no-op provider returns immediately.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// Package otel wires OpenTelemetry tracing and metrics for the agent.
// When disabled every instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "offlined"
	MeterName  = "offlined"
	// Version is the agent build reported in telemetry resources.
	Version = "v0.3-dev"

	defaultOTLPEndpoint = "localhost:4318"
)

type Config struct {
	Enabled     bool
	Exporter    string // otlp-http (default), stdout, none
	Endpoint    string
	ServiceName string
	SampleRate  float64
	// MetricsEnabled nil means on.
	MetricsEnabled *bool

	// Origin and BindAddr are stamped on the resource so traces from
	// several agents can be told apart.
	Origin   string
	BindAddr string
}

func (c Config) metricsOn() bool { return c.MetricsEnabled == nil || *c.MetricsEnabled }

// Provider holds the tracer and meter the agent instruments with.
// TracerProvider is nil when telemetry is disabled.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       []func(context.Context) error
}

// Init builds a Provider from cfg. Shutdown must be called on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return disabled(), nil
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	return newProvider(ctx, cfg, exporter)
}

func disabled() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
	}
}

// newProvider is split from Init so tests can hand in an in-memory exporter.
func newProvider(ctx context.Context, cfg Config, exporter sdktrace.SpanExporter) (*Provider, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(TracerName),
		shutdown:       []func(context.Context) error{tp.Shutdown},
	}
	if !cfg.metricsOn() {
		mp := noop.NewMeterProvider()
		p.MeterProvider, p.Meter = mp, mp.Meter(MeterName)
		return p, nil
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	p.MeterProvider, p.Meter = mp, mp.Meter(MeterName)
	p.shutdown = append(p.shutdown, mp.Shutdown)
	return p, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "offlined"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(Version),
	}
	if cfg.Origin != "" {
		attrs = append(attrs, AttrOrigin.String(cfg.Origin))
	}
	if cfg.BindAddr != "" {
		attrs = append(attrs, AttrBindAddr.String(cfg.BindAddr))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }

// Package telemetry provides OpenTelemetry tracing and metrics for the
// fabric: one span per invocation, execution counters, duration histograms,
// and the invariant-violation counter the Executor asserts against.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sddion/chainbox/pkg/contracts"
)

// Config configures the providers.
type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string // e.g. "localhost:4317" for gRPC
	NodeID       string
}

// Provider owns the tracer, meter, and the fabric's instruments. When
// disabled it degrades to no-ops so the hot path never branches on nil.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	executionsTotal     metric.Int64Counter
	errorsTotal         metric.Int64Counter
	durationMs          metric.Float64Histogram
	cacheHits           metric.Int64Counter
	invariantViolations metric.Int64Counter
}

// NewDisabled returns a fully no-op provider, for tests and for callers
// that opt out of telemetry.
func NewDisabled() *Provider {
	p := &Provider{
		logger: slog.Default().With("component", "telemetry"),
		tracer: noop.NewTracerProvider().Tracer("chainbox"),
	}
	p.initInstruments(otel.Meter("chainbox"))
	return p
}

// New creates a Provider. A disabled config yields a fully no-op provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		config: cfg,
		logger: logger.With("component", "telemetry"),
	}

	if !cfg.Enabled {
		p.tracer = noop.NewTracerProvider().Tracer("chainbox")
		p.initInstruments(otel.Meter("chainbox"))
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("chainbox.node_id", cfg.NodeID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	p.tracer = p.tracerProvider.Tracer("chainbox")

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.initInstruments(p.meterProvider.Meter("chainbox"))

	p.logger.InfoContext(ctx, "telemetry enabled", "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initInstruments(meter metric.Meter) {
	p.executionsTotal, _ = meter.Int64Counter("chainbox.executions_total",
		metric.WithDescription("Capability executions started"))
	p.errorsTotal, _ = meter.Int64Counter("chainbox.errors_total",
		metric.WithDescription("Capability executions that failed"))
	p.durationMs, _ = meter.Float64Histogram("chainbox.execution_duration_ms",
		metric.WithDescription("Capability execution duration"),
		metric.WithUnit("ms"))
	p.cacheHits, _ = meter.Int64Counter("chainbox.cache_hits_total",
		metric.WithDescription("Capability results served from cache"))
	p.invariantViolations, _ = meter.Int64Counter("chainbox.invariant_violations_total",
		metric.WithDescription("Completed invocations observed without an outcome"))
}

// StartSpan opens the span for one invocation.
func (p *Provider) StartSpan(ctx context.Context, fn string, target contracts.Target, depth int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "chainbox.execute",
		trace.WithAttributes(
			attribute.String("chainbox.fn", fn),
			attribute.String("chainbox.target", string(target)),
			attribute.Int("chainbox.depth", depth),
		),
	)
}

// RecordStart counts an execution entering the pipeline.
func (p *Provider) RecordStart(ctx context.Context, fn string) {
	p.executionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("chainbox.fn", fn)))
}

// RecordEnd records the invocation's duration and terminal outcome.
func (p *Provider) RecordEnd(ctx context.Context, fn string, outcome contracts.Outcome, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("chainbox.fn", fn),
		attribute.String("chainbox.outcome", string(outcome)),
	)
	p.durationMs.Record(ctx, float64(d.Milliseconds()), attrs)
	if outcome != contracts.OutcomeSuccess {
		p.errorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordCacheHit counts a result served from cache.
func (p *Provider) RecordCacheHit(ctx context.Context, fn string) {
	p.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("chainbox.fn", fn)))
}

// RecordInvariantViolation counts a completed invocation that reached the
// end hooks without an outcome.
func (p *Provider) RecordInvariantViolation(ctx context.Context, fn string) {
	p.invariantViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("chainbox.fn", fn)))
	p.logger.ErrorContext(ctx, "invariant violation: invocation completed without outcome", "fn", fn)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var first error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Package observability wires OpenTelemetry tracing and RED metrics for the
// payment pipeline. A disabled Provider is a no-op and is what tests use.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "sardis.pipeline"

// metricInterval is how often the periodic reader pushes to the collector.
const metricInterval = 15 * time.Second

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC, e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool // plaintext gRPC, dev only
}

// DefaultConfig exports nothing until Enabled is set.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sardis",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric providers and the pipeline instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	inst           *instruments
}

// instruments are nil on a disabled provider.
type instruments struct {
	stages    metric.Int64Counter
	errors    metric.Int64Counter
	duration  metric.Float64Histogram
	decisions metric.Int64Counter
	inflight  metric.Int64UpDownCounter
}

// Nop returns a disabled provider.
func Nop() *Provider {
	return &Provider{config: &Config{}, logger: slog.Default().With("component", "observability")}
}

func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config, logger: slog.Default().With("component", "observability")}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability resource: %w", err)
	}

	if p.tracerProvider, err = newTracerProvider(ctx, config, res); err != nil {
		return nil, err
	}
	if p.meterProvider, err = newMeterProvider(ctx, config, res); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if p.inst, err = newInstruments(p.meter); err != nil {
		return nil, fmt.Errorf("observability instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// samplerFor maps a rate to a parent-based sampler, so sampled upstream
// callers keep their decision.
func samplerFor(rate float64) sdktrace.Sampler {
	root := sdktrace.TraceIDRatioBased(rate)
	if rate >= 1 {
		root = sdktrace.AlwaysSample()
	} else if rate <= 0 {
		root = sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(root)
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(metricInterval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}

// stageBuckets span sub-millisecond policy checks up to receipt waits.
var stageBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

func newInstruments(m metric.Meter) (*instruments, error) {
	var in instruments
	var errs [5]error
	in.stages, errs[0] = m.Int64Counter("sardis.stage.total",
		metric.WithDescription("Pipeline stage executions"), metric.WithUnit("{stage}"))
	in.errors, errs[1] = m.Int64Counter("sardis.stage.errors",
		metric.WithDescription("Pipeline stage infrastructure errors"), metric.WithUnit("{error}"))
	in.duration, errs[2] = m.Float64Histogram("sardis.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...))
	in.decisions, errs[3] = m.Int64Counter("sardis.decisions.total",
		metric.WithDescription("Payment decisions by outcome and reason code"), metric.WithUnit("{decision}"))
	in.inflight, errs[4] = m.Int64UpDownCounter("sardis.stage.inflight",
		metric.WithDescription("Pipeline stages currently executing"), metric.WithUnit("{stage}"))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return &in, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.ErrorContext(ctx, "observability shutdown", "error", err)
	}
	return err
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordDecision counts a pipeline outcome.
func (p *Provider) RecordDecision(ctx context.Context, decision, code string) {
	if p.inst == nil {
		return
	}
	p.inst.decisions.Add(ctx, 1, metric.WithAttributes(AttrDecision.String(decision), AttrReasonCode.String(code)))
}

// TrackStage starts a span for one pipeline stage. The returned func ends
// it and records duration and, when non-nil, the error.
func (p *Provider) TrackStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "sardis."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrStage.String(stage)),
		trace.WithAttributes(attrs...),
	)
	// Metrics carry the stage only; identities would explode cardinality.
	byStage := metric.WithAttributes(AttrStage.String(stage))
	if p.inst != nil {
		p.inst.inflight.Add(ctx, 1, byStage)
		p.inst.stages.Add(ctx, 1, byStage)
	}

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if p.inst == nil {
			return
		}
		p.inst.inflight.Add(ctx, -1, byStage)
		p.inst.duration.Record(ctx, time.Since(start).Seconds(), byStage)
		if err != nil {
			p.inst.errors.Add(ctx, 1, byStage)
		}
	}
}

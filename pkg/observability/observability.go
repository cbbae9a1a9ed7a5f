// Package observability wires OpenTelemetry spans and counters around negotiation
// transitions and policy decisions. Operations tracked through TrackOperation get a
// span plus rate, error and latency instruments; domain events have their own
// counters.
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

const (
	instrumentationName = "aesp.commerce"
	metricInterval      = 15 * time.Second
)

var durationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC collector, host:port
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aesp-core",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	transitionCounter metric.Int64Counter
	decisionCounter   metric.Int64Counter
	violationCounter  metric.Int64Counter
	escalationCounter metric.Int64Counter
}

// New creates a provider. A disabled config yields a provider backed by the global
// (no-op by default) tracer and meter, so every method stays safe to call.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		if err := p.initMetrics(); err != nil {
			return nil, err
		}
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("aesp.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	p.tracer = p.tracerProvider.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = p.meterProvider.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "exporting telemetry", "endpoint", config.OTLPEndpoint, "service", config.ServiceName, "sample_rate", config.SampleRate)
	return p, nil
}

// NewWithProviders wires caller-owned SDK providers, e.g. a MeterProvider backed by a
// ManualReader in tests. Either may be nil.
func NewWithProviders(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config:         DefaultConfig(),
		tracerProvider: tp,
		meterProvider:  mp,
		logger:         slog.Default().With("component", "observability"),
	}
	if tp != nil {
		p.tracer = tp.Tracer(instrumentationName)
	}
	if mp != nil {
		p.meter = mp.Meter(instrumentationName)
	}
	if err := p.initMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

// Noop returns a disabled provider.
func Noop() *Provider {
	p, err := New(context.Background(), &Config{Enabled: false})
	if err != nil {
		// Instrument creation on the global no-op meter does not fail.
		panic(err)
	}
	return p
}

func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("span exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(p.config.SampleRate)),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	points, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(points, sdkmetric.WithInterval(metricInterval))
	p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
	unit string
}

func (p *Provider) initMetrics() error {
	m := p.Meter()
	counters := []counterSpec{
		{&p.requestCounter, "aesp.operations.total", "Tracked operations started", "{operation}"},
		{&p.errorCounter, "aesp.errors.total", "Tracked operations that returned an error", "{error}"},
		{&p.transitionCounter, "aesp.negotiation.transitions", "Negotiation state transitions applied", "{transition}"},
		{&p.decisionCounter, "aesp.policy.decisions", "Auto-approve decisions by outcome", "{decision}"},
		{&p.violationCounter, "aesp.budget.violations", "Budget check denials by rule", "{violation}"},
		{&p.escalationCounter, "aesp.escalations.opened", "Escalations opened by kind and level", "{escalation}"},
	}
	for _, c := range counters {
		ctr, err := m.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.dst = ctr
	}

	var err error
	p.durationHist, err = m.Float64Histogram("aesp.operation.duration",
		metric.WithDescription("Tracked operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return fmt.Errorf("histogram: %w", err)
	}
	p.activeOperations, err = m.Int64UpDownCounter("aesp.operations.active",
		metric.WithDescription("Tracked operations in flight"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return fmt.Errorf("gauge: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the providers it owns.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.WarnContext(ctx, "telemetry shutdown incomplete", "error", err)
		return err
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordError counts err against the error counter, tagged with its Go type.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	tagged := make([]attribute.KeyValue, 0, len(attrs)+1)
	tagged = append(tagged, attrs...)
	tagged = append(tagged, attribute.String("error.type", fmt.Sprintf("%T", err)))
	p.errorCounter.Add(ctx, 1, metric.WithAttributes(tagged...))
}

// TrackOperation opens a span named name and bumps the operation instruments. Call
// the returned func exactly once with the operation's result.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, AttrOperation.String(name))
	set := metric.WithAttributes(attrs...)
	began := time.Now()

	ctx, span := p.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	p.requestCounter.Add(ctx, 1, set)
	p.activeOperations.Add(ctx, 1, set)

	return ctx, func(err error) {
		defer span.End()
		p.activeOperations.Add(ctx, -1, set)
		p.durationHist.Record(ctx, time.Since(began).Seconds(), set)
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.RecordError(ctx, err, attrs...)
	}
}

// RecordTransition counts one applied state transition.
func (p *Provider) RecordTransition(ctx context.Context, from, to, trigger string) {
	p.transitionCounter.Add(ctx, 1, metric.WithAttributes(TransitionAttrs(from, to, trigger)...))
}

// RecordDecision counts one auto-approve decision; outcome is "approved" or "escalated".
func (p *Provider) RecordDecision(ctx context.Context, agentID, outcome string) {
	p.decisionCounter.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(agentID), AttrDecision.String(outcome)))
}

// RecordViolation counts one budget check denial.
func (p *Provider) RecordViolation(ctx context.Context, rule string) {
	p.violationCounter.Add(ctx, 1, metric.WithAttributes(AttrRule.String(rule)))
}

// RecordEscalation counts one opened escalation.
func (p *Provider) RecordEscalation(ctx context.Context, kind, level string) {
	p.escalationCounter.Add(ctx, 1, metric.WithAttributes(AttrEscalationKind.String(kind), AttrEscalationLevel.String(level)))
}

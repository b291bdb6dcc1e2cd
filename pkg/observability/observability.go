// Package observability wires OpenTelemetry tracing and metrics for the
// pipeline and sets up structured logging.
//
// With no OTLP endpoint configured the provider is a no-op: every Record*
// method is safe to call on a disabled or even nil provider, so the
// pipeline never branches on whether telemetry is on.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
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
)

// Config configures the telemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"; empty disables export
	Insecure       bool
	BatchTimeout   time.Duration
}

// DefaultConfig returns development defaults with export disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "countersign",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		BatchTimeout:   5 * time.Second,
	}
}

// Provider holds the tracer, meter and the pipeline's instruments.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	pipelineRequests metric.Int64Counter
	stageDuration    metric.Float64Histogram
	parserFailures   metric.Int64Counter
	votingAgreement  metric.Int64Counter
	approvalsPending metric.Int64UpDownCounter
}

// New creates a Provider. An empty OTLPEndpoint yields a fully inert
// provider whose methods all no-op.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		cfg:    cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if cfg.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init traces: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.tracer = otel.Tracer("countersign",
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("countersign",
		metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"environment", cfg.Environment)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.pipelineRequests, err = p.meter.Int64Counter("pipeline.requests",
		metric.WithDescription("Pipeline runs by terminal status"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}

	p.stageDuration, err = p.meter.Float64Histogram("pipeline.stage.duration",
		metric.WithDescription("Per-stage duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0))
	if err != nil {
		return err
	}

	p.parserFailures, err = p.meter.Int64Counter("parser.failures",
		metric.WithDescription("Parser errors, panics and timeouts"),
		metric.WithUnit("{failure}"))
	if err != nil {
		return err
	}

	p.votingAgreement, err = p.meter.Int64Counter("voting.agreement",
		metric.WithDescription("Vote rounds by agreement level"),
		metric.WithUnit("{round}"))
	if err != nil {
		return err
	}

	p.approvalsPending, err = p.meter.Int64UpDownCounter("approvals.pending",
		metric.WithDescription("Requests currently awaiting a human"),
		metric.WithUnit("{approval}"))
	if err != nil {
		return err
	}

	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// StartSpan starts a span, or returns ctx with a no-op span when disabled.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return p.tracer.Start(ctx, name, opts...)
}

// RecordRequest counts one finished pipeline run.
func (p *Provider) RecordRequest(ctx context.Context, status string) {
	if p == nil || p.pipelineRequests == nil {
		return
	}
	p.pipelineRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStage records one stage's duration.
func (p *Provider) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordParserFailures counts failed parsers in one ensemble round.
func (p *Provider) RecordParserFailures(ctx context.Context, n int) {
	if p == nil || p.parserFailures == nil || n == 0 {
		return
	}
	p.parserFailures.Add(ctx, int64(n))
}

// RecordAgreement counts one vote round by its agreement level.
func (p *Provider) RecordAgreement(ctx context.Context, level string) {
	if p == nil || p.votingAgreement == nil {
		return
	}
	p.votingAgreement.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// AddPendingApprovals moves the pending-approvals gauge.
func (p *Provider) AddPendingApprovals(ctx context.Context, delta int64) {
	if p == nil || p.approvalsPending == nil {
		return
	}
	p.approvalsPending.Add(ctx, delta)
}

// SetupLogging installs a JSON slog handler at the given level as the
// process default and returns it.
func SetupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

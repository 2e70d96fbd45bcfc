// Package telemetry exports relay traces over OTLP and counts lifecycle
// events with OpenTelemetry instruments.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"pushrelay/internal/ebus"
	"pushrelay/pkg/types"
)

const instrumentationName = "pushrelay"

// Message outcomes recorded on message-end.
const (
	OutcomeDelivered     = "delivered"
	OutcomePartial       = "partial"
	OutcomeUndeliverable = "undeliverable"
)

// Config controls the OTLP exporter.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// Option overrides a provider used by the telemetry Provider.
type Option func(*Provider)

// WithTracerProvider uses tp instead of the OTLP exporter.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Provider) { p.tracerProvider = tp }
}

// WithMeterProvider uses mp instead of the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Provider) { p.meterProvider = mp }
}

// Provider provides observability features
type Provider struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	sdkProvider    *sdktrace.TracerProvider

	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	messagesStarted  metric.Int64Counter
	messagesEnded    metric.Int64Counter
	statusUpdates    metric.Int64Counter
	deliveryAttempts metric.Int64Counter
}

// New creates a provider. When cfg is disabled and no option supplies a
// tracer provider, spans and instruments are no-ops.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}

	if p.tracerProvider == nil && cfg.Enabled {
		if err := p.initTracing(ctx, cfg); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}
	if p.tracerProvider == nil {
		p.tracerProvider = otel.GetTracerProvider()
	}
	if p.meterProvider == nil {
		p.meterProvider = otel.GetMeterProvider()
	}

	p.tracer = p.tracerProvider.Tracer(instrumentationName)
	p.meter = p.meterProvider.Meter(instrumentationName)
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return p, nil
}

func (p *Provider) initTracing(ctx context.Context, cfg Config) error {
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(clientOpts...))
	if err != nil {
		return fmt.Errorf("create exporter: %w", err)
	}

	p.sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	p.tracerProvider = p.sdkProvider

	otel.SetTracerProvider(p.sdkProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.messagesStarted, err = p.meter.Int64Counter(
		"pushrelay_messages_started_total",
		metric.WithDescription("Messages accepted for delivery"),
	); err != nil {
		return fmt.Errorf("create messages_started counter: %w", err)
	}
	if p.messagesEnded, err = p.meter.Int64Counter(
		"pushrelay_messages_ended_total",
		metric.WithDescription("Messages whose recipients all reached a terminal status"),
	); err != nil {
		return fmt.Errorf("create messages_ended counter: %w", err)
	}
	if p.statusUpdates, err = p.meter.Int64Counter(
		"pushrelay_status_updates_total",
		metric.WithDescription("Per-recipient status updates"),
	); err != nil {
		return fmt.Errorf("create status_updates counter: %w", err)
	}
	if p.deliveryAttempts, err = p.meter.Int64Counter(
		"pushrelay_delivery_attempts_total",
		metric.WithDescription("Transport delivery attempts"),
	); err != nil {
		return fmt.Errorf("create delivery_attempts counter: %w", err)
	}
	return nil
}

// Tracer returns the tracer used for relay spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Subscribe counts lifecycle events published on bus.
func (p *Provider) Subscribe(bus *ebus.Bus) {
	bus.OnMessageStart(func(m *types.Message) {
		p.messagesStarted.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("send_type", string(m.SendType)),
			attribute.String("method", m.From.Method),
		))
	})
	bus.OnMessageClientStatus(func(s ebus.ClientStatus) {
		p.statusUpdates.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("status", string(s.Status)),
		))
	})
	bus.OnMessageEnd(func(e ebus.MessageEnd) {
		p.messagesEnded.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("outcome", Outcome(e.Status)),
		))
	})
}

// DeliveryAttempt implements delivery.Observer.
func (p *Provider) DeliveryAttempt(kind types.TransportKind, retry bool) {
	p.deliveryAttempts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("retry", retry),
	))
}

// Outcome classifies a final status map.
func Outcome(status types.StatusMap) string {
	ok := 0
	for _, s := range status {
		if s == types.StatusOK {
			ok++
		}
	}
	switch {
	case ok == 0:
		return OutcomeUndeliverable
	case ok == len(status):
		return OutcomeDelivered
	default:
		return OutcomePartial
	}
}

// SetSpanError sets an error on span
func SetSpanError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdkProvider != nil {
		return p.sdkProvider.Shutdown(ctx)
	}
	return nil
}

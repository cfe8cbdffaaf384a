// Package telemetry sets up tracing for the agent. Guard decisions and remote
// calls are recorded as spans carrying the agent's identity.
package telemetry

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/appguard-agent/internal/config"
)

// InstrumentationName names the agent's tracer.
const InstrumentationName = "github.com/smallbiznis/appguard-agent"

// Span names.
const (
	SpanGuard = "appguard.guard"
)

// Span and resource attribute keys.
const (
	AttrDecision = attribute.Key("appguard.decision")
	AttrCacheHit = attribute.Key("appguard.cache_hit")
	AttrFallback = attribute.Key("appguard.fallback")
	AttrRoute    = attribute.Key("appguard.route")

	AttrControlService = attribute.Key("appguard.control.service")
	AttrControlTLS     = attribute.Key("appguard.control.tls")
	AttrDeviceType     = attribute.Key("appguard.device.type")
	AttrDefaultPolicy  = attribute.Key("appguard.default_policy")
	AttrSecretStore    = attribute.Key("appguard.secret_store")
)

// Provider owns the tracer provider for the process lifetime.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	resource       *resource.Resource
}

// Tracer returns the agent tracer; without an exporter it is a noop.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracerProvider == nil {
		return otel.Tracer(InstrumentationName)
	}
	return p.tracerProvider.Tracer(InstrumentationName)
}

// Resource describes this agent instance.
func (p *Provider) Resource() *resource.Resource {
	if p == nil {
		return nil
	}
	return p.resource
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tracerProvider == nil {
		return nil
	}
	return p.tracerProvider.Shutdown(ctx)
}

// AgentAttributes identifies the agent deployment: which control service it
// talks to, how it stores secrets and which policy it falls back to.
func AgentAttributes(cfg config.Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment),
		AttrControlService.String(net.JoinHostPort(cfg.ControlHost, strconv.Itoa(cfg.ControlPort))),
		AttrControlTLS.Bool(cfg.ControlTLS),
		AttrDefaultPolicy.String(cfg.DefaultPolicy.String()),
		AttrSecretStore.String(cfg.SecretStore),
	}
	if cfg.DeviceType != "" {
		attrs = append(attrs, AttrDeviceType.String(cfg.DeviceType))
	}
	return attrs
}

// New configures tracing. When no endpoint is set the global provider stays a
// noop and only the resource is built.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	attrs := append(AgentAttributes(cfg), semconv.ServiceInstanceID(uuid.NewString()))
	res := resource.NewSchemaless(attrs...)

	if cfg.TelemetryEndpoint == "" {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		return &Provider{resource: res}, nil
	}

	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.TelemetryEndpoint)}
	if cfg.TelemetryInsecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exp, err := otlptracehttp.New(initCtx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	detected, err := resource.New(initCtx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}
	res, err = resource.Merge(detected, res)
	if err != nil {
		return nil, fmt.Errorf("merge telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry enabled",
		zap.String("endpoint", cfg.TelemetryEndpoint),
		zap.String("service", cfg.ServiceName),
		zap.String("control_service", net.JoinHostPort(cfg.ControlHost, strconv.Itoa(cfg.ControlPort))),
	)

	return &Provider{tracerProvider: tp, resource: res}, nil
}

package telemetry

import (
	"context"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/vinayprograms/compreg/errors"
)

// Exporter protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// DefaultServiceName names the daemon's spans when nothing else does.
const DefaultServiceName = "registrard"

// ProviderConfig configures span export for one registry daemon.
type ProviderConfig struct {
	// ServiceName defaults to OTEL_SERVICE_NAME, then DefaultServiceName.
	ServiceName    string
	ServiceVersion string

	// InstanceID distinguishes federated registries sharing a service
	// name. The daemon passes its registry name.
	InstanceID string

	// Endpoint is host:port of the OTLP collector. Falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT. A scheme prefix is ignored.
	Endpoint string

	// Protocol is ProtocolGRPC (default) or ProtocolHTTP.
	Protocol string
	Insecure bool

	// Debug adds call arguments to call spans.
	Debug bool

	Headers       map[string]string
	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

// resolve fills defaults from the environment and checks the result.
func (c ProviderConfig) resolve() (ProviderConfig, error) {
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	c.Endpoint = strings.TrimPrefix(strings.TrimPrefix(c.Endpoint, "http://"), "https://")
	if c.Endpoint == "" {
		return c, errors.InvalidInput("telemetry endpoint not set (telemetry.endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	if c.ServiceName == "" {
		c.ServiceName = os.Getenv("OTEL_SERVICE_NAME")
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	switch c.Protocol {
	case "":
		c.Protocol = ProtocolGRPC
	case ProtocolGRPC, ProtocolHTTP:
	default:
		return c, errors.InvalidInput("unknown telemetry protocol " + c.Protocol)
	}
	if c.BatchTimeout < 0 || c.ExportTimeout < 0 {
		return c, errors.InvalidInput("telemetry timeouts must not be negative")
	}
	return c, nil
}

// Provider owns the daemon's tracer provider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider starts exporting spans and installs the result as the global
// tracer provider and the global Tracer. Shutdown flushes what is queued.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.InstanceID))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInternal, "build telemetry resource")
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnreachable, "create "+cfg.Protocol+" span exporter for "+cfg.Endpoint)
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracer(cfg.ServiceName, cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

func newExporter(ctx context.Context, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == ProtocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer installed by InitProvider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes queued spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	flushErr := p.tp.ForceFlush(ctx)
	if err := p.tp.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shut down tracer provider")
	}
	if flushErr != nil {
		return errors.Wrap(flushErr, "flush spans")
	}
	return nil
}

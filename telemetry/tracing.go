// OpenTelemetry tracing for calls, registrations and recovery.
package telemetry

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with registry-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include call arguments in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// Debug reports whether call arguments are recorded on spans.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Call Spans ---

// CallSpanOptions describes a finished dispatcher call.
type CallSpanOptions struct {
	Method string
	Target string
	Mode   string // blocking, timed, detached
	Fanout int
	Args   []string // Only included if debug=true
}

// StartCallSpan starts a client span for an outbound call.
func (t *Tracer) StartCallSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "call."+method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("call.method", method))
	return ctx, span
}

// EndCallSpan ends a call span with attributes.
func (t *Tracer) EndCallSpan(span trace.Span, opts CallSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("call.mode", opts.Mode),
	}
	if opts.Target != "" {
		attrs = append(attrs, attribute.String("call.target", opts.Target))
	}
	if opts.Fanout > 0 {
		attrs = append(attrs, attribute.Int("call.fanout", opts.Fanout))
	}
	if t.debug && len(opts.Args) > 0 {
		attrs = append(attrs, attribute.String("call.args", truncate(strings.Join(opts.Args, ","), 2000)))
	}
	span.SetAttributes(attrs...)
	finish(span, err)
}

// StartServeSpan starts a server span for an inbound call.
func (t *Tracer) StartServeSpan(ctx context.Context, method, handle string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "serve."+method, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("call.method", method),
		attribute.String("call.handle", handle),
	)
	return ctx, span
}

// EndSpan records err (if any) and ends the span.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	finish(span, err)
}

// --- Registry Spans ---

// StartRegistrationSpan starts a span covering one registration request.
func (t *Tracer) StartRegistrationSpan(ctx context.Context, identity string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "registry.register", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("component.identity", identity))
	return ctx, span
}

// RecoverySpanOptions describes a finished recovery job.
type RecoverySpanOptions struct {
	Attempts   int
	Remaining  int
	FinalState string
}

// StartRecoverySpan starts a span covering a recovery job.
func (t *Tracer) StartRecoverySpan(ctx context.Context, identity, host string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "recovery.job", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("component.identity", identity),
		attribute.String("component.host", host),
	)
	return ctx, span
}

// EndRecoverySpan ends a recovery span with attributes.
func (t *Tracer) EndRecoverySpan(span trace.Span, opts RecoverySpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("recovery.attempts", opts.Attempts),
		attribute.Int("recovery.remaining", opts.Remaining),
		attribute.String("recovery.final_state", opts.FinalState),
	)
	finish(span, err)
}

// StartFederationSpan starts a span for a peer-registry operation.
func (t *Tracer) StartFederationSpan(ctx context.Context, op, peer string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "federation."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("federation.peer", peer))
	return ctx, span
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

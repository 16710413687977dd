package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer for the two spans the
// orchestration core emits: one model call, one tool execution.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "convergio-core",
//	    Endpoint:    "localhost:4318",
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceLLMRequest(ctx, "anthropic", "claude-3-opus")
//	defer span.End()
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig configures the distributed tracing behavior.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP/HTTP collector endpoint (e.g.
	// "localhost:4318"). If empty, tracing is disabled and Tracer
	// returns no-op spans.
	Endpoint string

	// SamplingRate controls what fraction of traces are recorded
	// (0.0 to 1.0). Defaults to 1.0 if not specified.
	SamplingRate float64

	Attributes map[string]string

	// EnableInsecure disables TLS for the OTLP connection (dev only).
	EnableInsecure bool
}

// SpanOptions configures span creation behavior.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// NewTracer creates a new tracer with the given configuration. Returns
// the tracer and a shutdown function that must be called on exit.
//
// If config.Endpoint is empty, or exporter setup fails, a no-op tracer
// is returned that doesn't export traces.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName), config: config}, func(context.Context) error { return nil }
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}
	if config.ServiceName == "" {
		config.ServiceName = "convergio-core"
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName), config: config}, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName), config: config}
	return tracer, provider.Shutdown
}

// Start creates a new span and returns a context containing it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	var options []trace.SpanStartOption
	if len(opts) > 0 {
		opt := opts[0]
		if opt.Kind != 0 {
			options = append(options, trace.WithSpanKind(opt.Kind))
		}
		if len(opt.Attributes) > 0 {
			options = append(options, trace.WithAttributes(opt.Attributes...))
		}
	}
	return t.tracer.Start(ctx, name, options...)
}

// StartSpan is a convenience wrapper around Start that returns just the
// span. The caller must still call span.End().
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...SpanOptions) trace.Span {
	_, span := t.Start(ctx, name, opts...)
	return span
}

// RecordError records an error on the span and sets its status to error.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets multiple attributes on a span from alternating
// key/value pairs.
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	span.SetAttributes(attributesFromKeyvals(keyvals)...)
}

// AddEvent adds an event to the span with optional attributes.
func (t *Tracer) AddEvent(span trace.Span, name string, keyvals ...any) {
	span.AddEvent(name, trace.WithAttributes(attributesFromKeyvals(keyvals)...))
}

func attributesFromKeyvals(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals)-1; i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, attributeFromValue(key, keyvals[i+1]))
	}
	return attrs
}

// TraceLLMRequest creates a client span for one model call (spec §4.9
// step 5: the generate() call site wraps its breaker-protected request
// in this span).
func (t *Tracer) TraceLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("llm.%s", provider), SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		},
	})
}

// TraceToolExecution creates an internal span for one tool call (the
// Tool Executor's execute() wraps its invoker call in this span).
func (t *Tracer) TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("tool.%s", toolName), SpanOptions{
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.String("tool.name", toolName),
		},
	})
}

// attributeFromValue creates an attribute.KeyValue from a Go value.
func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// GetTraceID returns the trace ID from the context as a string, or ""
// if no span is active.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// GetSpanID returns the span ID from the context as a string, or "" if
// no span is active.
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}

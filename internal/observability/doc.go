// Package observability provides metrics, structured logging, and
// distributed tracing for the orchestration core.
//
// # Metrics
//
// Metrics are implemented with Prometheus client libraries and track
// model call volume/latency/cost, tool execution outcomes, run
// attempts, and a generic per-component error counter:
//
//	metrics := observability.NewMetrics(nil) // registers on the default registry
//
//	start := time.Now()
//	// ... call a model ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//	metrics.RecordLLMCost("anthropic", "claude-3-opus", 0.015)
//
//	start = time.Now()
//	// ... execute a tool ...
//	metrics.RecordToolExecution("web_search", "ok", time.Since(start).Seconds())
//
// Tests should pass a fresh prometheus.NewRegistry() rather than nil,
// since registering the same collector against the default registry
// twice in one process panics.
//
// # Logging
//
// Logging is built on log/slog with:
//   - automatic run/trace ID correlation from context
//   - sensitive field/pattern redaction (API keys, tokens, secrets)
//   - JSON output for production, text for development
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(context.Background(), runID)
//	logger.Info(ctx, "run started", "tenant_id", tenantID)
//	logger.Error(ctx, "model call failed", "error", err, "api_key", apiKey) // redacted
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry over OTLP/HTTP to cover the
// orchestration core's two genuine span boundaries: one model call and
// one tool execution.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "convergio-core",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"), // e.g. "localhost:4318"; empty disables export
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceLLMRequest(ctx, "anthropic", "claude-3-opus")
//	defer span.End()
//	if err != nil {
//	    tracer.RecordError(span, err)
//	}
//
// A nil *Tracer/*Metrics on orchestrator.Deps or toolexec.Shared
// disables the corresponding instrumentation rather than panicking, so
// wiring either one is opt-in.
package observability

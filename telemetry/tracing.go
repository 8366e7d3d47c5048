package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with run and stage helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include post and reply text in span attributes
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

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer bound to tp.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Run Spans ---

// StartRunSpan starts the span covering one orchestration run of a task.
func (t *Tracer) StartRunSpan(ctx context.Context, taskID, trigger string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task.run", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.trigger", trigger),
	)
	return ctx, span
}

// EndRunSpan records the final task status and ends the span.
func (t *Tracer) EndRunSpan(span trace.Span, status string, attempts int, err error) {
	span.SetAttributes(
		attribute.String("task.status", status),
		attribute.Int("task.attempts", attempts),
	)
	end(span, err)
}

// --- Stage Spans ---

// StageSpanOptions contains options for pipeline stage spans.
type StageSpanOptions struct {
	Attempts  int
	ErrorCode string
	Retryable bool
}

// StartStageSpan starts a span for one pipeline stage, retries included.
func (t *Tracer) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "stage."+stage, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("stage.name", stage))
	return ctx, span
}

// EndStageSpan ends a stage span with attributes.
func (t *Tracer) EndStageSpan(span trace.Span, opts StageSpanOptions, err error) {
	span.SetAttributes(attribute.Int("stage.attempts", opts.Attempts))
	if opts.ErrorCode != "" {
		span.SetAttributes(
			attribute.String("stage.error_code", opts.ErrorCode),
			attribute.Bool("stage.retryable", opts.Retryable),
		)
	}
	end(span, err)
}

// --- Generation Spans ---

// GenerateSpanOptions contains options for content generation spans.
type GenerateSpanOptions struct {
	Model     string
	Images    int
	TokensIn  int
	TokensOut int
	HasMedia  bool
	Prompt    string // Only included if debug=true
	Response  string // Only included if debug=true
}

// StartGenerateSpan starts a span for a provider call.
func (t *Tracer) StartGenerateSpan(ctx context.Context, provider string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "llm.generate", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("llm.provider", provider))
	return ctx, span
}

// EndGenerateSpan ends a generation span with attributes.
func (t *Tracer) EndGenerateSpan(span trace.Span, opts GenerateSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.model", opts.Model),
		attribute.Int("llm.images.input", opts.Images),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
		attribute.Bool("llm.media.output", opts.HasMedia),
	}

	if t.debug {
		if opts.Prompt != "" {
			attrs = append(attrs, attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
		}
		if opts.Response != "" {
			attrs = append(attrs, attribute.String("llm.response", truncate(opts.Response, 4000)))
		}
	}

	span.SetAttributes(attrs...)
	end(span, err)
}

// --- Poll Spans ---

// StartPollSpan starts a span for one mention poll.
func (t *Tracer) StartPollSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "ingest.poll", trace.WithSpanKind(trace.SpanKindClient))
}

// EndPollSpan ends a poll span with its counts.
func (t *Tracer) EndPollSpan(span trace.Span, fetched, created, dispatched int, err error) {
	span.SetAttributes(
		attribute.Int("ingest.fetched", fetched),
		attribute.Int("ingest.created", created),
		attribute.Int("ingest.dispatched", dispatched),
	)
	end(span, err)
}

func end(span trace.Span, err error) {
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

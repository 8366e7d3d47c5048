package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(debug bool) (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewTracerFromProvider(tp, "test", debug), rec
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRunSpanNestsStageSpans(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	ctx, run := tr.StartRunSpan(context.Background(), "task-1", "poll")
	_, stage := tr.StartStageSpan(ctx, "fetch")
	tr.EndStageSpan(stage, StageSpanOptions{Attempts: 2}, nil)
	tr.EndRunSpan(run, "completed", 0, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	stageSpan, runSpan := spans[0], spans[1]
	if stageSpan.Name() != "stage.fetch" {
		t.Errorf("stage span name = %s", stageSpan.Name())
	}
	if stageSpan.Parent().SpanID() != runSpan.SpanContext().SpanID() {
		t.Error("stage span is not a child of the run span")
	}
	if v, _ := attr(runSpan, "task.id"); v.AsString() != "task-1" {
		t.Errorf("task.id = %v", v)
	}
	if v, _ := attr(stageSpan, "stage.attempts"); v.AsInt64() != 2 {
		t.Errorf("stage.attempts = %v", v)
	}
}

func TestEndStageSpanRecordsError(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	_, span := tr.StartStageSpan(context.Background(), "publish")
	tr.EndStageSpan(span, StageSpanOptions{Attempts: 3, ErrorCode: "UNAVAILABLE", Retryable: true}, errors.New("boom"))

	got := rec.Ended()[0]
	if got.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", got.Status().Code)
	}
	if v, ok := attr(got, "stage.error_code"); !ok || v.AsString() != "UNAVAILABLE" {
		t.Errorf("stage.error_code = %v", v)
	}
	if len(got.Events()) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestGenerateSpanContentOnlyInDebug(t *testing.T) {
	for _, debug := range []bool{false, true} {
		tr, rec := newRecordingTracer(debug)
		_, span := tr.StartGenerateSpan(context.Background(), "google")
		tr.EndGenerateSpan(span, GenerateSpanOptions{
			Model:    "gemini",
			Prompt:   "what is this",
			Response: strings.Repeat("x", 5000),
		}, nil)

		got := rec.Ended()[0]
		_, hasPrompt := attr(got, "llm.prompt")
		if hasPrompt != debug {
			t.Errorf("debug=%v: llm.prompt present = %v", debug, hasPrompt)
		}
		if debug {
			v, _ := attr(got, "llm.response")
			if len(v.AsString()) != 4003 {
				t.Errorf("response not truncated: len %d", len(v.AsString()))
			}
		}
	}
}

func TestPollSpanCounts(t *testing.T) {
	tr, rec := newRecordingTracer(false)
	_, span := tr.StartPollSpan(context.Background())
	tr.EndPollSpan(span, 5, 3, 3, nil)

	got := rec.Ended()[0]
	if v, _ := attr(got, "ingest.created"); v.AsInt64() != 3 {
		t.Errorf("ingest.created = %v", v)
	}
}

func TestInjectExtractRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	tr, _ := newRecordingTracer(false)
	ctx, span := tr.StartRunSpan(context.Background(), "task-1", "api")
	defer span.End()

	carrier := MapCarrier{}
	InjectContext(ctx, carrier)
	if carrier.Get("traceparent") == "" {
		t.Fatalf("traceparent not injected: %v", carrier)
	}

	extracted := ExtractContext(context.Background(), carrier)
	_, child := tr.StartStageSpan(extracted, "fetch")
	defer child.End()
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Error("trace id not propagated")
	}
}

func TestGetTracerDefaultsToNoop(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()
	_, span := tr.StartRunSpan(context.Background(), "t", "poll")
	tr.EndRunSpan(span, "completed", 0, nil)
	if span.SpanContext().IsValid() {
		t.Error("expected no-op span")
	}
}

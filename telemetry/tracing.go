// OpenTelemetry tracing support for task execution.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with task-specific helpers.
// A nil *Tracer is valid and records nothing.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include content in span attributes
}

// NewTracer creates a tracer from the given provider.
func NewTracer(tp trace.TracerProvider, name string, debug bool) *Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return NewTracer(nil, "", false)
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t != nil && t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Task Spans ---

// TaskSpanOptions contains options for a task drive span.
type TaskSpanOptions struct {
	Intent   string
	Status   string
	Attempts int
	Resumed  bool
}

// StartTaskSpan starts the span covering one lease holder's drive of a task.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID, workerID string) (context.Context, trace.Span) {
	ctx, span := t.StartSpan(ctx, "task.drive", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("worker.id", workerID),
	)
	return ctx, span
}

// EndTaskSpan ends a task span with attributes.
func (t *Tracer) EndTaskSpan(span trace.Span, opts TaskSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("task.intent", opts.Intent),
		attribute.String("task.status", opts.Status),
		attribute.Int("task.attempts", opts.Attempts),
		attribute.Bool("task.resumed", opts.Resumed),
	)
	endSpan(span, err)
}

// --- Attempt Spans ---

// AttemptSpanOptions contains options for activity attempt spans.
type AttemptSpanOptions struct {
	Outcome   string
	ErrorCode string
	Result    string // Only included if debug=true
}

// StartAttemptSpan starts a span for one activity attempt.
func (t *Tracer) StartAttemptSpan(ctx context.Context, intent string, attempt int) (context.Context, trace.Span) {
	ctx, span := t.StartSpan(ctx, "activity."+intent, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("activity.intent", intent),
		attribute.Int("activity.attempt", attempt),
	)
	return ctx, span
}

// EndAttemptSpan ends an attempt span with attributes.
func (t *Tracer) EndAttemptSpan(span trace.Span, opts AttemptSpanOptions, err error) {
	span.SetAttributes(attribute.String("activity.outcome", opts.Outcome))
	if opts.ErrorCode != "" {
		span.SetAttributes(attribute.String("activity.error_code", opts.ErrorCode))
	}
	if t.Debug() && opts.Result != "" {
		span.SetAttributes(attribute.String("activity.result", truncate(opts.Result, 4000)))
	}
	endSpan(span, err)
}

// --- LLM Spans ---

// LLMSpanOptions describes one provider call.
type LLMSpanOptions struct {
	Provider   string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	ErrorCode  string

	// Recorded only when the tracer is in debug mode.
	Prompt   string
	Response string
}

// StartLLMSpan starts a client span for a provider call.
func (t *Tracer) StartLLMSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
}

// EndLLMSpan records token usage and the error code, then ends span.
func (t *Tracer) EndLLMSpan(span trace.Span, opts LLMSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", opts.Provider),
		attribute.String("llm.model", opts.Model),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
	}
	if opts.StopReason != "" {
		attrs = append(attrs, attribute.String("llm.stop_reason", opts.StopReason))
	}
	if opts.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error.code", opts.ErrorCode))
	}
	if t.Debug() {
		if opts.Prompt != "" {
			attrs = append(attrs, attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
		}
		if opts.Response != "" {
			attrs = append(attrs, attribute.String("llm.response", truncate(opts.Response, 4000)))
		}
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

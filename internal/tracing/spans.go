package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const supervisorTracerName = "codexbridge-supervisor"

func supervisorTracer() trace.Tracer {
	return Tracer(supervisorTracerName)
}

// TraceRun creates the span covering one agent run from spawn to outcome.
func TraceRun(ctx context.Context, runID, topic, backend string) (context.Context, trace.Span) {
	ctx, span := supervisorTracer().Start(ctx, "supervisor.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("topic", topic),
		attribute.String("backend", backend),
	)
	return ctx, span
}

// TraceRunOutcome records how the run ended.
func TraceRunOutcome(span trace.Span, outcome string, exitCode int, err error) {
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("exit_code", exitCode),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceCancel creates a span for a cancellation request.
func TraceCancel(ctx context.Context, topic string) (context.Context, trace.Span) {
	ctx, span := supervisorTracer().Start(ctx, "supervisor.cancel",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("topic", topic))
	return ctx, span
}

// TraceApprovalDecide creates a span for an approval decision.
func TraceApprovalDecide(ctx context.Context, topic, decision, mode string) (context.Context, trace.Span) {
	ctx, span := supervisorTracer().Start(ctx, "approval.decide",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("topic", topic),
		attribute.String("decision", decision),
		attribute.String("mode", mode),
	)
	return ctx, span
}

// TraceError marks span as failed when err is non-nil.
func TraceError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

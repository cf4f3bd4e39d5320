// Package observability provides OpenTelemetry tracing and a JSON decision
// audit log for autoapprove.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the OpenTelemetry tracer name.
	TracerName = "autoapprove"
)

// Evaluation describes a command line being decided.
type Evaluation struct {
	ID          string
	CommandLine string
	Shell       string
	Source      string // "server", "cli"
}

// TraceEvaluation starts a span for one evaluation.
func TraceEvaluation(ctx context.Context, ev *Evaluation) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)

	attrs := []attribute.KeyValue{
		attribute.String("evaluation.id", ev.ID),
		attribute.String("command.shell", ev.Shell),
		attribute.Int("command.length", len(ev.CommandLine)),
	}
	if ev.Source != "" {
		attrs = append(attrs, attribute.String("evaluation.source", ev.Source))
	}

	return tracer.Start(ctx, "autoapprove.evaluate",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordDecision records the verdict and the keys of the deciding rules.
func RecordDecision(span trace.Span, verdict string, ruleKeys []string, subCommands int) {
	span.SetAttributes(
		attribute.String("decision.verdict", verdict),
		attribute.StringSlice("decision.rules", ruleKeys),
		attribute.Int("decision.sub_commands", subCommands),
	)

	if verdict == "denied" {
		span.SetStatus(codes.Error, "command denied by auto-approve rules")
	}
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// ReloadSpan creates a span for re-reading one scope file.
func ReloadSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "autoapprove.reload",
		trace.WithAttributes(attribute.String("scope.path", path)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// ExtractTraceID extracts the trace ID from a context.
func ExtractTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// ExtractSpanID extracts the span ID from a context.
func ExtractSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}

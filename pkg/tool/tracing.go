package tool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingInterceptor wraps every tool invocation in an OpenTelemetry
// span. Inner interceptors and the tool body run under the span's
// context.
type TracingInterceptor struct {
	Base
	tracer trace.Tracer
}

// NewTracingInterceptor creates the tracing interceptor. A nil tracer
// selects the global provider.
func NewTracingInterceptor(tracer trace.Tracer) *TracingInterceptor {
	if tracer == nil {
		tracer = otel.Tracer("github.com/archflow/archflow/pkg/tool")
	}
	return &TracingInterceptor{tracer: tracer}
}

// Name implements Interceptor.
func (t *TracingInterceptor) Name() string { return "tracing" }

// Order implements Interceptor.
func (t *TracingInterceptor) Order() int { return MinOrder + 50 }

// BeforeExecute implements Interceptor.
func (t *TracingInterceptor) BeforeExecute(ctx context.Context, inv *Invocation) (context.Context, *Result, error) {
	ctx, span := t.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(
			attribute.String("tool.name", inv.Tool),
			attribute.String("flow.id", inv.FlowID),
			attribute.String("step.id", inv.StepID),
		))
	inv.SetMeta("tracing.span", span)
	return ctx, nil, nil
}

// AfterExecute implements Interceptor.
func (t *TracingInterceptor) AfterExecute(ctx context.Context, inv *Invocation, result *Result) {
	if span, ok := t.span(inv); ok {
		span.SetAttributes(attribute.Bool("tool.cached", result.Cached))
		span.End()
	}
}

// OnError implements Interceptor.
func (t *TracingInterceptor) OnError(ctx context.Context, inv *Invocation, err error) error {
	if span, ok := t.span(inv); ok {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
	}
	return err
}

func (t *TracingInterceptor) span(inv *Invocation) (trace.Span, bool) {
	v, ok := inv.Meta("tracing.span")
	if !ok {
		return nil, false
	}
	span, ok := v.(trace.Span)
	return span, ok
}

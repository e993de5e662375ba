// Package trace wraps OpenTelemetry so the rest of the core runtime never
// imports go.opentelemetry.io/otel directly. A span follows a request from
// the gateway through dispatch, into an actor mailbox and across an RPC hop
// to a remote node, so the wrapper exposes just enough surface to start a
// span, attach attributes and propagate trace context over the wire.
package trace

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer starts spans for a single instrumentation scope.
type Tracer struct {
	tracer oteltrace.Tracer
}

// New builds a Tracer from provider (the global provider if nil) and an
// instrumentation name, typically the package emitting the spans.
func New(provider oteltrace.TracerProvider, instrumentation string) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	if strings.TrimSpace(instrumentation) == "" {
		instrumentation = "mmocore"
	}
	return &Tracer{tracer: provider.Tracer(instrumentation)}
}

// End finishes the span started by Start, recording err on it if non-nil.
type End func(err error)

// Start opens a span named name under ctx's current span, if any, and
// returns the derived context plus a closer to call when the operation
// completes. A nil *Tracer (e.g. tracing disabled) returns ctx unchanged and
// a no-op closer.
func (t *Tracer) Start(ctx context.Context, name string, attrs map[string]string) (context.Context, End) {
	if t == nil || t.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := t.tracer.Start(ctx, name, oteltrace.WithAttributes(toAttrs(attrs)...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func toAttrs(attrs map[string]string) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out = append(out, attribute.String(k, v))
	}
	return out
}

// SpanContextFromContext extracts the w3c-compatible trace/span id pair
// carried by ctx, for stamping onto an RPC attachment ("trace
// context attachment"). ok is false when ctx carries no valid span context.
func SpanContextFromContext(ctx context.Context) (traceID, spanID string, ok bool) {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", "", false
	}
	return sc.TraceID().String(), sc.SpanID().String(), true
}

// ContextWithRemoteSpan rebuilds a remote span context from ids received
// over an RPC attachment and links it into ctx, so a span started downstream
// shows up as a child of the span that made the call on the originating
// node. Returns ctx unchanged if traceID/spanID do not parse.
func ContextWithRemoteSpan(ctx context.Context, traceID, spanID string) context.Context {
	tid, err := oteltrace.TraceIDFromHex(traceID)
	if err != nil {
		return ctx
	}
	sid, err := oteltrace.SpanIDFromHex(spanID)
	if err != nil {
		return ctx
	}
	sc := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: oteltrace.FlagsSampled,
		Remote:     true,
	})
	return oteltrace.ContextWithRemoteSpanContext(ctx, sc)
}

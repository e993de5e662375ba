package trace

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNilTracerStartIsNoOp(t *testing.T) {
	var tr *Tracer
	ctx, end := tr.Start(context.Background(), "op", map[string]string{"k": "v"})
	if ctx != context.Background() {
		t.Fatal("nil tracer must return ctx unchanged")
	}
	end(errors.New("boom")) // must not panic
}

func TestStartProducesValidSpanContext(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	defer provider.Shutdown(context.Background())

	tr := New(provider, "mmocore-test")
	ctx, end := tr.Start(context.Background(), "dispatch", map[string]string{"protocol_id": "1.2"})
	defer end(nil)

	traceID, spanID, ok := SpanContextFromContext(ctx)
	if !ok {
		t.Fatal("expected valid span context after Start")
	}
	if traceID == "" || spanID == "" {
		t.Fatalf("expected non-empty ids, got %q %q", traceID, spanID)
	}
}

func TestContextWithRemoteSpanRoundTrip(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	defer provider.Shutdown(context.Background())

	tr := New(provider, "mmocore-test")
	ctx, end := tr.Start(context.Background(), "origin", nil)
	traceID, spanID, ok := SpanContextFromContext(ctx)
	end(nil)
	if !ok {
		t.Fatal("expected valid span context")
	}

	remoteCtx := ContextWithRemoteSpan(context.Background(), traceID, spanID)
	gotTraceID, _, ok := SpanContextFromContext(remoteCtx)
	if !ok || gotTraceID != traceID {
		t.Fatalf("remote span context not linked: got %q, want %q", gotTraceID, traceID)
	}
}

func TestContextWithRemoteSpanInvalidIDsReturnsUnchanged(t *testing.T) {
	ctx := context.Background()
	got := ContextWithRemoteSpan(ctx, "not-hex", "also-not-hex")
	if got != ctx {
		t.Fatal("invalid ids must return ctx unchanged")
	}
}

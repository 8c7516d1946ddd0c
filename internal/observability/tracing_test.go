package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracer_NoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	if tracer.config.ServiceName != "chatsync" {
		t.Errorf("service name = %q, want chatsync", tracer.config.ServiceName)
	}

	ctx, span := tracer.TraceSend(context.Background(), "m1", "a:b")
	defer span.End()
	if ctx == nil {
		t.Fatal("nil context")
	}
	tracer.RecordError(span, errors.New("boom"))
}

func TestTracer_NilSafe(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceReconcile(context.Background(), "interval")
	span.End()
	if GetTraceID(ctx) != "" {
		t.Error("expected no trace id from nil tracer")
	}

	want := errors.New("failed")
	err := WithSpan(context.Background(), tracer, "op", func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("WithSpan error = %v, want %v", err, want)
	}
}

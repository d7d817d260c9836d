package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestInitTracing_None(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "renderd", "test", "")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	ctx, span := StartSpan(context.Background(), "noop", attribute.String("k", "v"))
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), "renderd", "test", "carrier-pigeon"); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

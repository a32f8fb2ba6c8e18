package api

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestBoardRequestMetricsSpan(t *testing.T) {
	recorder := withTestTracer(t)
	logger := log.New()

	m, spanCtx := newBoardRequestMetrics(context.Background(), logger, "boards.read")
	if spanCtx == nil {
		t.Fatal("expected a span context")
	}
	m.ObserveFetch(3 * time.Millisecond)
	m.Log(200, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "boards.read" {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	found := false
	for _, attr := range span.Attributes() {
		if attr.Key == attribute.Key("http.status_code") && attr.Value.AsInt64() == 200 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected http.status_code attribute")
	}
	if span.Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", span.Status().Code)
	}
}

func TestBoardRequestMetricsRecordsError(t *testing.T) {
	recorder := withTestTracer(t)

	m, _ := newBoardRequestMetrics(context.Background(), log.New(), "boards.read")
	m.SetErrorStage("fetch")
	m.Log(500, errors.New("storage down"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Fatal("expected a recorded error event")
	}
}

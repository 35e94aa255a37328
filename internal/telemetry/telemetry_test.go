package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func TestInitRegistersGlobalMeterProvider(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(Config{ServiceName: "lattice-test", Writer: &buf, ExportInterval: time.Hour})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())

	m := otel.Meter("test")
	counter, err := m.Int64Counter("lattice.test.counter")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(context.Background(), 1, metric.WithAttributes())
}

func TestInitDefaultsMissingWriterToDiscard(t *testing.T) {
	shutdown, err := Init(Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownIsSafeAfterInit(t *testing.T) {
	shutdown, err := Init(Config{ExportInterval: time.Hour})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

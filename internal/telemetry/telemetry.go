// Package telemetry bootstraps the process-wide OpenTelemetry
// MeterProvider that every other package's package-level instruments
// (e.g. internal/topic's topicMetrics) forward through once Init runs.
// Packages call otel.Meter(...) at init time against the global
// delegating provider; until Init runs those instruments are no-ops.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config controls how Init wires the global MeterProvider.
type Config struct {
	// ServiceName is attached to every emitted metric via the
	// provider's resource (left empty is fine; the SDK falls back to
	// a generated service name).
	ServiceName string

	// ExportInterval is how often the periodic reader flushes
	// accumulated metrics to Writer. Zero uses a 15s default.
	ExportInterval time.Duration

	// Writer receives the stdout exporter's encoded metrics. Defaults
	// to io.Discard when nil, which is the common case for a daemon
	// that exports via a push gateway instead and only wants the
	// in-process aggregation, not the stdout diagnostic stream.
	Writer io.Writer
}

// Shutdown stops the provider's periodic reader and flushes any
// pending metrics. Callers should defer it from main immediately after
// a successful Init.
type Shutdown func(ctx context.Context) error

// Init installs a process-wide MeterProvider built from cfg and
// registers it via otel.SetMeterProvider, so every package that
// already called otel.Meter(...) at init time starts forwarding to it
// immediately (spec.md's ambient observability is carried even where
// the distilled functionality it measures is out of scope). Safe to
// call at most once per process; calling it again replaces the
// previous provider without shutting it down, so callers that call it
// more than once are responsible for shutting down the prior provider
// themselves.
func Init(cfg Config) (Shutdown, error) {
	writer := cfg.Writer
	if writer == nil {
		writer = io.Discard
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(writer))
	if err != nil {
		return nil, fmt.Errorf("telemetry: construct stdout exporter: %w", err)
	}

	opts := []metric.Option{
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))),
	}
	if cfg.ServiceName != "" {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)))
		if err != nil {
			return nil, fmt.Errorf("telemetry: build resource: %w", err)
		}
		opts = append(opts, metric.WithResource(res))
	}

	provider := metric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	return func(ctx context.Context) error {
		return provider.Shutdown(ctx)
	}, nil
}

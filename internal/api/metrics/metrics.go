package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/cuongbtq/benchrunner/internal/api"

// Transitions counts job status transitions keyed by (transition, kind)
type Transitions struct {
	counter metric.Int64Counter
}

// NewTransitions registers the jobs.transitions counter on mp
func NewTransitions(mp metric.MeterProvider) (*Transitions, error) {
	counter, err := mp.Meter(meterName).Int64Counter(
		"jobs.transitions",
		metric.WithDescription("Job status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}
	return &Transitions{counter: counter}, nil
}

// Record increments the counter for one transition
func (t *Transitions) Record(ctx context.Context, transition, kind string) {
	t.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transition", transition),
		attribute.String("kind", kind),
	))
}

// ExporterConfig configures the OTLP/HTTP push exporter
type ExporterConfig struct {
	Endpoint string
	Insecure bool
	Interval time.Duration
}

// NewMeterProvider builds a provider that pushes to an OTLP collector
func NewMeterProvider(ctx context.Context, cfg ExporterConfig) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

// internal/common/observability/metrics.go
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Observability records per-lane job metrics through OpenTelemetry. The
// Prometheus exporter registers with the default registry, so the values are
// served by the same /metrics handler as the promauto collectors.
type Observability struct {
	meterProvider *metric.MeterProvider
	jobCounter    otelmetric.Int64Counter
	jobDuration   otelmetric.Float64Histogram
	itemCounter   otelmetric.Int64Counter
}

func New(serviceName string) (*Observability, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	o, err := newWithMeter(provider.Meter(serviceName))
	if err != nil {
		return nil, err
	}
	o.meterProvider = provider
	return o, nil
}

// NewWithProvider builds an Observability on an existing provider (tests use
// a manual reader).
func NewWithProvider(provider *metric.MeterProvider, serviceName string) (*Observability, error) {
	o, err := newWithMeter(provider.Meter(serviceName))
	if err != nil {
		return nil, err
	}
	o.meterProvider = provider
	return o, nil
}

func newWithMeter(meter otelmetric.Meter) (*Observability, error) {
	jobCounter, err := meter.Int64Counter(
		"dispatch.jobs.processed",
		otelmetric.WithDescription("Number of dispatch job attempts"),
	)
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram(
		"dispatch.jobs.duration",
		otelmetric.WithDescription("Dispatch job attempt duration"),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	itemCounter, err := meter.Int64Counter(
		"dispatch.items.sent",
		otelmetric.WithDescription("Push messages attempted per outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Observability{
		jobCounter:  jobCounter,
		jobDuration: jobDuration,
		itemCounter: itemCounter,
	}, nil
}

func (o *Observability) RecordJobProcessed(ctx context.Context, lane, status string) {
	if o == nil || o.jobCounter == nil {
		return
	}
	o.jobCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("lane", lane),
		attribute.String("status", status),
	))
}

func (o *Observability) RecordJobDuration(ctx context.Context, lane string, duration time.Duration) {
	if o == nil || o.jobDuration == nil {
		return
	}
	o.jobDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("lane", lane),
	))
}

func (o *Observability) RecordItems(ctx context.Context, lane, outcome string, n int) {
	if o == nil || o.itemCounter == nil || n == 0 {
		return
	}
	o.itemCounter.Add(ctx, int64(n), otelmetric.WithAttributes(
		attribute.String("lane", lane),
		attribute.String("outcome", outcome),
	))
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.meterProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return o.meterProvider.Shutdown(ctx)
}

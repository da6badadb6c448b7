package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pool instruments. A nil *Metrics records nothing.
type Metrics struct {
	meter         metric.Meter
	claims        metric.Int64Counter
	verifications metric.Int64Counter
	units         metric.Int64Counter
	emergencies   metric.Int64Counter
	batchDuration metric.Float64Histogram
}

// NewMetrics registers the pool instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.claims, err = meter.Int64Counter("scratcha.claims.total",
		metric.WithDescription("Claim attempts by outcome"),
		metric.WithUnit("{claim}"),
	); err != nil {
		return nil, err
	}
	if m.verifications, err = meter.Int64Counter("scratcha.verifications.total",
		metric.WithDescription("Verifications by outcome"),
		metric.WithUnit("{verification}"),
	); err != nil {
		return nil, err
	}
	if m.units, err = meter.Int64Counter("scratcha.generation.units.total",
		metric.WithDescription("Generation units by result"),
		metric.WithUnit("{unit}"),
	); err != nil {
		return nil, err
	}
	if m.emergencies, err = meter.Int64Counter("scratcha.replenish.emergency.total",
		metric.WithDescription("Emergency batches triggered"),
		metric.WithUnit("{batch}"),
	); err != nil {
		return nil, err
	}
	if m.batchDuration, err = meter.Float64Histogram("scratcha.batch.duration",
		metric.WithDescription("Batch wall time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordClaim(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordVerification(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordUnit(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.units.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordEmergency(ctx context.Context) {
	if m == nil {
		return
	}
	m.emergencies.Add(ctx, 1)
}

func (m *Metrics) RecordBatch(ctx context.Context, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// ObservePool registers a gauge reporting the challenge count per status.
// fn is called on every collection.
func (m *Metrics) ObservePool(fn func(ctx context.Context) (map[string]int64, error)) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("scratcha.pool.challenges",
		metric.WithDescription("Challenges in the pool by status"),
		metric.WithUnit("{challenge}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			counts, err := fn(ctx)
			if err != nil {
				return err
			}
			for status, n := range counts {
				o.Observe(n, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}),
	)
	return err
}

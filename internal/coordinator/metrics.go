package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rzbill/ciqueue/internal/coordinator"

type metrics struct {
	worker attribute.KeyValue
	attrs  metric.MeasurementOption

	submitted   metric.Int64Counter
	attempts    metric.Int64Counter
	commits     metric.Int64Counter
	lostRaces   metric.Int64Counter
	completions metric.Int64Counter
	removals    metric.Int64Counter
	active      metric.Int64UpDownCounter
}

func newMetrics(mp metric.MeterProvider, workerID string) (*metrics, error) {
	meter := mp.Meter(instrumentationName)
	worker := attribute.String("worker_id", workerID)
	m := &metrics{worker: worker, attrs: metric.WithAttributes(worker)}
	var err error
	if m.submitted, err = meter.Int64Counter("ciqueue.items.submitted",
		metric.WithDescription("Revisions pushed onto the queue")); err != nil {
		return nil, err
	}
	if m.attempts, err = meter.Int64Counter("ciqueue.claim.attempts",
		metric.WithDescription("Claim transactions started")); err != nil {
		return nil, err
	}
	if m.commits, err = meter.Int64Counter("ciqueue.claim.commits",
		metric.WithDescription("Claim transactions that leased an item")); err != nil {
		return nil, err
	}
	if m.lostRaces, err = meter.Int64Counter("ciqueue.claim.lost",
		metric.WithDescription("Claim transactions that did not commit")); err != nil {
		return nil, err
	}
	if m.completions, err = meter.Int64Counter("ciqueue.runs.completed",
		metric.WithDescription("Finished runs by result")); err != nil {
		return nil, err
	}
	if m.removals, err = meter.Int64Counter("ciqueue.items.removed",
		metric.WithDescription("Items withdrawn by producers")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("ciqueue.items.active",
		metric.WithDescription("Size of the Active Set")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) completed(ctx context.Context, result string) {
	m.completions.Add(ctx, 1, metric.WithAttributes(m.worker, attribute.String("result", result)))
	m.active.Add(ctx, -1, m.attrs)
}

func (m *metrics) removed(ctx context.Context, path string, n int) {
	if n > 0 {
		m.removals.Add(ctx, int64(n), metric.WithAttributes(m.worker, attribute.String("path", path)))
	}
}

package pebble

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	pebblestore "github.com/rzbill/ciqueue/internal/storage/pebble"
)

// Metrics reports storage latencies and sizes as OpenTelemetry histograms.
type Metrics struct {
	latency metric.Float64Histogram
	bytes   metric.Int64Histogram
	ops     metric.Int64Histogram
}

var _ pebblestore.MetricsHook = (*Metrics)(nil)

// NewMetrics registers the storage instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	latency, err := meter.Float64Histogram("ciqueue.storage.latency",
		metric.WithDescription("Pebble operation latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64Histogram("ciqueue.storage.bytes",
		metric.WithDescription("Bytes moved per Pebble operation"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	ops, err := meter.Int64Histogram("ciqueue.storage.batch_ops",
		metric.WithDescription("Operations per committed batch"))
	if err != nil {
		return nil, err
	}
	return &Metrics{latency: latency, bytes: bytes, ops: ops}, nil
}

func (m *Metrics) observe(op string, d time.Duration, n int) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.latency.Record(context.Background(), float64(d.Microseconds())/1000, attrs)
	m.bytes.Record(context.Background(), int64(n), attrs)
}

func (m *Metrics) ObserveWrite(d time.Duration, n int) { m.observe("write", d, n) }
func (m *Metrics) ObserveRead(d time.Duration, n int)  { m.observe("read", d, n) }

func (m *Metrics) ObserveBatchCommit(d time.Duration, numOps int, n int) {
	m.observe("commit", d, n)
	m.ops.Record(context.Background(), int64(numOps))
}

package buffer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type poolMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	flushes   metric.Int64Counter
	attrs     metric.MeasurementOption
}

func newPoolMetrics(meter metric.Meter, pool string) (*poolMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("minisql/buffer")
	}
	m := &poolMetrics{attrs: metric.WithAttributes(attribute.String("pool", pool))}

	var err error
	if m.hits, err = meter.Int64Counter("minisql.buffer.hits",
		metric.WithDescription("Page lookups served from a cached frame"),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.misses, err = meter.Int64Counter("minisql.buffer.misses",
		metric.WithDescription("Page lookups that read from the page store"),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter("minisql.buffer.evictions",
		metric.WithDescription("Frames reclaimed by the replacement policy"),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.flushes, err = meter.Int64Counter("minisql.buffer.flushes",
		metric.WithDescription("Frames written back to the page store"),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *poolMetrics) hit()   { m.hits.Add(context.Background(), 1, m.attrs) }
func (m *poolMetrics) miss()  { m.misses.Add(context.Background(), 1, m.attrs) }
func (m *poolMetrics) evict() { m.evictions.Add(context.Background(), 1, m.attrs) }
func (m *poolMetrics) flush() { m.flushes.Add(context.Background(), 1, m.attrs) }

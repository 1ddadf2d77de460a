package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("mesh/store")

type metrics struct {
	readTimeInst  metric.Float64Histogram
	writeSizeInst metric.Int64Histogram
	cacheHitInst  metric.Int64Counter
}

func newMetrics() (m *metrics, err error) {
	m = new(metrics)
	m.readTimeInst, err = meter.Float64Histogram(
		"mesh_store_read_time_hist",
		metric.WithDescription("content store single block read time from datastore in seconds, ignoring cache"),
	)
	if err != nil {
		return nil, err
	}
	m.writeSizeInst, err = meter.Int64Histogram(
		"mesh_store_write_size_hist",
		metric.WithDescription("size of blocks written to the content store"),
	)
	if err != nil {
		return nil, err
	}
	m.cacheHitInst, err = meter.Int64Counter(
		"mesh_store_cache_counter",
		metric.WithDescription("content store cache lookups"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) readSingle(ctx context.Context, duration time.Duration, failed bool) {
	m.observe(ctx, func(ctx context.Context) {
		m.readTimeInst.Record(ctx,
			duration.Seconds(),
			metric.WithAttributes(attribute.Bool("failed", failed)),
		)
	})
}

func (m *metrics) written(ctx context.Context, size int) {
	m.observe(ctx, func(ctx context.Context) {
		m.writeSizeInst.Record(ctx, int64(size))
	})
}

func (m *metrics) cacheLookup(ctx context.Context, hit bool) {
	m.observe(ctx, func(ctx context.Context) {
		m.cacheHitInst.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
	})
}

func (m *metrics) observe(ctx context.Context, f func(context.Context)) {
	if m == nil {
		return
	}

	if ctx.Err() != nil {
		ctx = context.Background()
	}

	f(ctx)
}

package engine

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("mesh/engine")

type metrics struct {
	eventsInst   metric.Int64Counter
	outcomesInst metric.Int64Counter

	mailboxLen  atomic.Int64
	inflight    atomic.Int64
	queuesInst  metric.Int64ObservableGauge
	pendingInst metric.Int64ObservableGauge
	queuesReg   metric.Registration
}

func newMetrics() (m *metrics, err error) {
	m = new(metrics)
	m.eventsInst, err = meter.Int64Counter(
		"mesh_engine_events_counter",
		metric.WithDescription("events delivered to the consumer"),
	)
	if err != nil {
		return nil, err
	}
	m.outcomesInst, err = meter.Int64Counter(
		"mesh_engine_block_outcomes_counter",
		metric.WithDescription("completed block exchange queries"),
	)
	if err != nil {
		return nil, err
	}
	m.queuesInst, err = meter.Int64ObservableGauge(
		"mesh_engine_mailbox_gauge",
		metric.WithDescription("events queued and not yet delivered"),
	)
	if err != nil {
		return nil, err
	}
	m.pendingInst, err = meter.Int64ObservableGauge(
		"mesh_engine_inflight_gauge",
		metric.WithDescription("in-flight block queries and outbound requests"),
	)
	if err != nil {
		return nil, err
	}
	m.queuesReg, err = meter.RegisterCallback(m.observeQueues, m.queuesInst, m.pendingInst)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) observeQueues(_ context.Context, obs metric.Observer) error {
	obs.ObserveInt64(m.queuesInst, m.mailboxLen.Load())
	obs.ObserveInt64(m.pendingInst, m.inflight.Load())
	return nil
}

func (m *metrics) delivered(ev Event, mailbox, inflight int) {
	m.observe(context.Background(), func(ctx context.Context) {
		m.mailboxLen.Store(int64(mailbox))
		m.inflight.Store(int64(inflight))
		m.eventsInst.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventName(ev))))
	})
}

func (m *metrics) outcome(found bool) {
	m.observe(context.Background(), func(ctx context.Context) {
		m.outcomesInst.Add(ctx, 1, metric.WithAttributes(attribute.Bool("found", found)))
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

func (m *metrics) Close() error {
	if m == nil {
		return nil
	}
	return m.queuesReg.Unregister()
}

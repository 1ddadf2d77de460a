package p2p

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("mesh/p2p")

const (
	failedKey    = "failed"
	failureKey   = "failure"
	statusKey    = "status"
	directionKey = "direction"
	directionIn  = "inbound"
	directionOut = "outbound"
)

type gossipMetrics struct {
	messageNumInst  metric.Int64Counter
	messageSizeInst metric.Int64Histogram

	messageTimeLast atomic.Pointer[time.Time]
	messageTimeInst metric.Float64Histogram

	subscriptionNum     atomic.Int64
	subscriptionNumInst metric.Int64ObservableGauge
	subscriptionNumReg  metric.Registration
}

func newGossipMetrics() (m *gossipMetrics, err error) {
	m = new(gossipMetrics)
	m.messageNumInst, err = meter.Int64Counter(
		"mesh_p2p_gossip_msg_num_counter",
		metric.WithDescription("gossip message count"),
	)
	if err != nil {
		return nil, err
	}
	m.messageSizeInst, err = meter.Int64Histogram(
		"mesh_p2p_gossip_msg_size_hist",
		metric.WithDescription("gossip message size in bytes"),
	)
	if err != nil {
		return nil, err
	}
	m.messageTimeInst, err = meter.Float64Histogram(
		"mesh_p2p_gossip_msg_time_hist",
		metric.WithDescription("time between received gossip messages in seconds"),
	)
	if err != nil {
		return nil, err
	}
	m.subscriptionNumInst, err = meter.Int64ObservableGauge(
		"mesh_p2p_gossip_sub_num_gauge",
		metric.WithDescription("number of active topic subscriptions"),
	)
	if err != nil {
		return nil, err
	}
	m.subscriptionNumReg, err = meter.RegisterCallback(m.subscriptionCallback, m.subscriptionNumInst)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gossipMetrics) received(ctx context.Context, size int) {
	observe(m, ctx, func(ctx context.Context) {
		m.messageNumInst.Add(ctx, 1, metric.WithAttributes(
			attribute.String(directionKey, directionIn),
		))
		m.messageSizeInst.Record(ctx, int64(size))

		now := time.Now()
		lastTime := m.messageTimeLast.Swap(&now)
		if lastTime == nil || lastTime.IsZero() {
			return
		}
		m.messageTimeInst.Record(ctx, now.Sub(*lastTime).Seconds())
	})
}

func (m *gossipMetrics) published(ctx context.Context, size int) {
	observe(m, ctx, func(ctx context.Context) {
		m.messageNumInst.Add(ctx, 1, metric.WithAttributes(
			attribute.String(directionKey, directionOut),
		))
		m.messageSizeInst.Record(ctx, int64(size))
	})
}

func (m *gossipMetrics) subscription(num int) {
	observe(m, context.Background(), func(context.Context) {
		m.subscriptionNum.Add(int64(num))
	})
}

func (m *gossipMetrics) subscriptionCallback(_ context.Context, obs metric.Observer) error {
	obs.ObserveInt64(m.subscriptionNumInst, m.subscriptionNum.Load())
	return nil
}

func (m *gossipMetrics) Close() error {
	if m == nil {
		return nil
	}
	return m.subscriptionNumReg.Unregister()
}

type rpcMetrics struct {
	requestTimeInst  metric.Float64Histogram
	responseSizeInst metric.Int64Histogram
	servedInst       metric.Int64Counter
}

func newRPCMetrics() (m *rpcMetrics, err error) {
	m = new(rpcMetrics)
	m.requestTimeInst, err = meter.Float64Histogram(
		"mesh_p2p_rpc_req_time_hist",
		metric.WithDescription("outbound request round trip time in seconds"),
	)
	if err != nil {
		return nil, err
	}
	m.responseSizeInst, err = meter.Int64Histogram(
		"mesh_p2p_rpc_resp_size_hist",
		metric.WithDescription("response payload size in bytes"),
	)
	if err != nil {
		return nil, err
	}
	m.servedInst, err = meter.Int64Counter(
		"mesh_p2p_rpc_served_counter",
		metric.WithDescription("number of inbound requests answered"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *rpcMetrics) request(ctx context.Context, duration time.Duration, size int, failure string) {
	observe(m, ctx, func(ctx context.Context) {
		attrs := metric.WithAttributes(
			attribute.Bool(failedKey, failure != ""),
			attribute.String(failureKey, failure),
		)
		m.requestTimeInst.Record(ctx, duration.Seconds(), attrs)
		m.responseSizeInst.Record(ctx, int64(size), attrs)
	})
}

func (m *rpcMetrics) served(ctx context.Context, status string) {
	observe(m, ctx, func(ctx context.Context) {
		m.servedInst.Add(ctx, 1, metric.WithAttributes(attribute.String(statusKey, status)))
	})
}

type discoveryMetrics struct {
	trackedPeersNum     atomic.Int64
	trackedPeersNumInst metric.Int64ObservableGauge

	disconnectedPeersNum     atomic.Int64
	disconnectedPeersNumInst metric.Int64ObservableGauge

	registration metric.Registration
}

func newDiscoveryMetrics() (m *discoveryMetrics, err error) {
	m = new(discoveryMetrics)
	m.trackedPeersNumInst, err = meter.Int64ObservableGauge(
		"mesh_p2p_disc_trck_peer_num_gauge",
		metric.WithDescription("discovery tracked peers number"),
	)
	if err != nil {
		return nil, err
	}
	m.disconnectedPeersNumInst, err = meter.Int64ObservableGauge(
		"mesh_p2p_disc_disc_peer_num_gauge",
		metric.WithDescription("discovery disconnected peers number"),
	)
	if err != nil {
		return nil, err
	}
	m.registration, err = meter.RegisterCallback(
		m.observePeers,
		m.trackedPeersNumInst,
		m.disconnectedPeersNumInst,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *discoveryMetrics) peersTracked(num int) {
	observe(m, context.Background(), func(context.Context) {
		m.trackedPeersNum.Add(int64(num))
	})
}

func (m *discoveryMetrics) peersDisconnected(num int) {
	observe(m, context.Background(), func(context.Context) {
		m.disconnectedPeersNum.Add(int64(num))
	})
}

func (m *discoveryMetrics) observePeers(_ context.Context, obs metric.Observer) error {
	obs.ObserveInt64(m.trackedPeersNumInst, m.trackedPeersNum.Load())
	obs.ObserveInt64(m.disconnectedPeersNumInst, m.disconnectedPeersNum.Load())
	return nil
}

func (m *discoveryMetrics) Close() error {
	if m == nil {
		return nil
	}
	return m.registration.Unregister()
}

// observe runs observeFn unless m is a nil pointer, so disabled metrics cost
// nothing at call sites.
func observe[M any](m *M, ctx context.Context, observeFn func(context.Context)) {
	if m == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	observeFn(ctx)
}

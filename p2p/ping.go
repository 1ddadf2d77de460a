package p2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	"github.com/contentmesh/go-mesh/engine"
)

// Ping periodically probes every connected peer for liveness.
type Ping struct {
	eventQueue[engine.PingEvent]

	host     host.Host
	interval time.Duration
	timeout  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

var _ engine.Liveness = (*Ping)(nil)

// NewPing creates a Ping probing every interval.
func NewPing(h host.Host, waker *engine.Waker, interval time.Duration) *Ping {
	p := &Ping{
		host:     h,
		interval: interval,
		timeout:  interval / 2,
		done:     make(chan struct{}),
	}
	p.waker = waker
	return p
}

func (p *Ping) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx)
	return nil
}

func (p *Ping) Stop(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Ping) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pid := range p.host.Network().Peers() {
				go p.ping(ctx, pid)
			}
		}
	}
}

func (p *Ping) ping(ctx context.Context, pid peer.ID) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	select {
	case res := <-ping.Ping(ctx, p.host, pid):
		p.push(engine.PingEvent{Peer: pid, RTT: res.RTT, Err: res.Error})
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			p.push(engine.PingEvent{Peer: pid, Err: ctx.Err()})
		}
	}
}

package p2p

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/contentmesh/go-mesh/engine"
)

// NAT follows the reachability determined by the host's AutoNAT service.
type NAT struct {
	eventQueue[engine.NATEvent]

	host host.Host

	statusLk sync.RWMutex
	status   network.Reachability

	sub    event.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

var _ engine.NATDetector = (*NAT)(nil)

func NewNAT(h host.Host, waker *engine.Waker) *NAT {
	n := &NAT{host: h, done: make(chan struct{})}
	n.waker = waker
	return n
}

func (n *NAT) Start(context.Context) error {
	sub, err := n.host.EventBus().Subscribe(new(event.EvtLocalReachabilityChanged))
	if err != nil {
		return err
	}
	n.sub = sub

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go n.track(ctx)
	return nil
}

func (n *NAT) Stop(ctx context.Context) error {
	n.cancel()
	select {
	case <-n.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return n.sub.Close()
}

func (n *NAT) track(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-n.sub.Out():
			if !ok {
				return
			}
			n.setStatus(e.(event.EvtLocalReachabilityChanged).Reachability)
		}
	}
}

func (n *NAT) setStatus(status network.Reachability) {
	n.statusLk.Lock()
	old := n.status
	n.status = status
	n.statusLk.Unlock()

	if old == status {
		return
	}
	n.push(engine.NATEvent{Kind: engine.NATStatusChanged, Old: old, New: status})
}

// Status returns the last known reachability.
func (n *NAT) Status() network.Reachability {
	n.statusLk.RLock()
	defer n.statusLk.RUnlock()
	return n.status
}

// PublicAddress returns a public listen address once the node is confirmed
// publicly reachable.
func (n *NAT) PublicAddress() (ma.Multiaddr, bool) {
	if n.Status() != network.ReachabilityPublic {
		return nil, false
	}
	for _, addr := range n.host.Addrs() {
		if manet.IsPublicAddr(addr) {
			return addr, true
		}
	}
	return nil, false
}

package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pbv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/pb"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/contentmesh/go-mesh/engine"
)

// RelayServer runs a circuit v2 relay and reports reservation and circuit
// lifecycle. The relay itself does not expose reservation owners, so they
// are learned through its ACL hook and expired on the relay's TTL.
type RelayServer struct {
	eventQueue[engine.RelayServerEvent]

	host  host.Host
	relay *relayv2.Relay
	ttl   time.Duration

	rsvpLk       sync.Mutex
	reservations map[peer.ID]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ engine.RelayServer    = (*RelayServer)(nil)
	_ relayv2.ACLFilter     = (*RelayServer)(nil)
	_ relayv2.MetricsTracer = (*RelayServer)(nil)
)

func NewRelayServer(h host.Host, waker *engine.Waker) *RelayServer {
	rs := &RelayServer{
		host:         h,
		ttl:          relayv2.DefaultResources().ReservationTTL,
		reservations: make(map[peer.ID]time.Time),
		done:         make(chan struct{}),
	}
	rs.waker = waker
	return rs
}

func (rs *RelayServer) Start(context.Context) error {
	r, err := relayv2.New(rs.host, relayv2.WithACL(rs), relayv2.WithMetricsTracer(rs))
	if err != nil {
		return err
	}
	rs.relay = r

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	go rs.expireLoop(ctx)
	return nil
}

func (rs *RelayServer) Stop(ctx context.Context) error {
	rs.cancel()
	select {
	case <-rs.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return rs.relay.Close()
}

// AllowReserve implements relayv2.ACLFilter.
func (rs *RelayServer) AllowReserve(p peer.ID, _ ma.Multiaddr) bool {
	rs.rsvpLk.Lock()
	_, renewed := rs.reservations[p]
	rs.reservations[p] = time.Now().Add(rs.ttl)
	rs.rsvpLk.Unlock()

	rs.push(engine.RelayServerEvent{Kind: engine.RelayReservationReqAccepted, Peer: p, Renewed: renewed})
	return true
}

// AllowConnect implements relayv2.ACLFilter.
func (rs *RelayServer) AllowConnect(src peer.ID, _ ma.Multiaddr, dest peer.ID) bool {
	rs.rsvpLk.Lock()
	_, ok := rs.reservations[dest]
	rs.rsvpLk.Unlock()
	if !ok {
		rs.push(engine.RelayServerEvent{Kind: engine.RelayCircuitReqDenied, Peer: src})
	}
	return ok
}

func (rs *RelayServer) expireLoop(ctx context.Context) {
	defer close(rs.done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rs.expire(now)
		}
	}
}

func (rs *RelayServer) expire(now time.Time) {
	rs.rsvpLk.Lock()
	var expired []peer.ID
	for p, deadline := range rs.reservations {
		if now.After(deadline) {
			expired = append(expired, p)
			delete(rs.reservations, p)
		}
	}
	rs.rsvpLk.Unlock()

	for _, p := range expired {
		rs.push(engine.RelayServerEvent{Kind: engine.RelayReservationTimedOut, Peer: p})
	}
}

// ConnectionOpened implements relayv2.MetricsTracer.
func (rs *RelayServer) ConnectionOpened() {
	rs.push(engine.RelayServerEvent{Kind: engine.RelayCircuitReqAccepted})
}

// ConnectionClosed implements relayv2.MetricsTracer.
func (rs *RelayServer) ConnectionClosed(time.Duration) {
	rs.push(engine.RelayServerEvent{Kind: engine.RelayCircuitClosed})
}

func (rs *RelayServer) RelayStatus(enabled bool) {
	log.Debugw("relay status", "enabled", enabled)
}

func (rs *RelayServer) ConnectionRequestHandled(status pbv2.Status) {
	log.Debugw("relay connection request", "status", status)
}

func (rs *RelayServer) ReservationAllowed(bool)                      {}
func (rs *RelayServer) ReservationClosed(int)                        {}
func (rs *RelayServer) ReservationRequestHandled(status pbv2.Status) {}
func (rs *RelayServer) BytesTransferred(int)                         {}

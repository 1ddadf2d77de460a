package engine

import (
	"errors"
	"fmt"

	"github.com/gammazero/deque"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	mesh "github.com/contentmesh/go-mesh"
)

var log = logging.Logger("mesh/engine")

// Protocols is the set of sub-protocols the Engine multiplexes.
type Protocols struct {
	Liveness    Liveness
	Identify    Identify
	NAT         Capability[NATDetector]
	RelayClient Capability[RelayClient]
	RelayServer Capability[RelayServer]
	HolePunch   Capability[HolePuncher]
	Blocks      BlockExchange
	PubSub      PubSub
	Discovery   Discovery
	RPC         RequestResponse
}

// Validate checks that required sub-protocols are present and that
// capabilities are consistent.
func (p *Protocols) Validate() error {
	var errs []error
	required := []struct {
		name    string
		missing bool
	}{
		{"liveness", p.Liveness == nil},
		{"identify", p.Identify == nil},
		{"block exchange", p.Blocks == nil},
		{"pubsub", p.PubSub == nil},
		{"discovery", p.Discovery == nil},
		{"request/response", p.RPC == nil},
	}
	for _, r := range required {
		if r.missing {
			errs = append(errs, fmt.Errorf("engine: missing %s protocol", r.name))
		}
	}
	if p.HolePunch.IsEnabled() && !p.RelayClient.IsEnabled() {
		errs = append(errs, fmt.Errorf("%w: hole punching requires the relay client", mesh.ErrConfigConflict))
	}
	return errors.Join(errs...)
}

// poller polls one sub-protocol for a single native event and translates it.
type poller struct {
	name string
	poll func()
}

// Engine composes the sub-protocols of a node over one connection set. It
// turns their native events into a single ordered stream of Events and
// routes commands to the sub-protocol responsible for them.
//
// Engine is not safe for concurrent use. It is meant to be owned by a
// single goroutine that calls Poll whenever the Waker fires.
type Engine struct {
	protos Protocols

	queries *queryRegistry
	reqs    *correlator
	bridge  *peerBridge

	pollers []poller
	events  deque.Deque[Event]

	metrics *metrics
	Params  Parameters
}

// New creates an Engine over the given sub-protocols.
func New(protos Protocols, opts ...Option) (*Engine, error) {
	params := DefaultParameters()
	for _, opt := range opts {
		opt(&params)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid params: %w", err)
	}
	if err := protos.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		protos:  protos,
		queries: newQueryRegistry(protos.Blocks),
		reqs:    newCorrelator(protos.RPC),
		bridge: &peerBridge{
			contentProtocol: params.ContentProtocol,
			discovery:       protos.Discovery,
			pubsub:          protos.PubSub,
			rpc:             protos.RPC,
		},
		Params: params,
	}
	e.pollers = e.buildPollers()

	if params.metrics {
		m, err := newMetrics()
		if err != nil {
			return nil, err
		}
		e.metrics = m
	}
	return e, nil
}

// buildPollers fixes the poll order. Disabled capabilities are left out.
func (e *Engine) buildPollers() []poller {
	ps := []poller{
		{"liveness", func() { pollInto(e.protos.Liveness.Poll, e.onPing) }},
		{"identify", func() { pollInto(e.protos.Identify.Poll, e.onIdentify) }},
	}
	if nat, ok := e.protos.NAT.Get(); ok {
		ps = append(ps, poller{"nat", func() { pollInto(nat.Poll, e.onNAT) }})
	}
	if rc, ok := e.protos.RelayClient.Get(); ok {
		ps = append(ps, poller{"relay_client", func() { pollInto(rc.Poll, e.onRelayClient) }})
	}
	if rs, ok := e.protos.RelayServer.Get(); ok {
		ps = append(ps, poller{"relay_server", func() { pollInto(rs.Poll, e.onRelayServer) }})
	}
	if hp, ok := e.protos.HolePunch.Get(); ok {
		ps = append(ps, poller{"hole_punch", func() { pollInto(hp.Poll, e.onHolePunch) }})
	}
	return append(ps,
		poller{"block_exchange", func() { pollInto(e.protos.Blocks.Poll, e.onBlockExchange) }},
		poller{"pubsub", func() { pollInto(e.protos.PubSub.Poll, e.onGossip) }},
		poller{"discovery", func() { pollInto(e.protos.Discovery.Poll, e.onDiscovery) }},
		poller{"rpc", func() { pollInto(e.protos.RPC.Poll, e.onRPC) }},
	)
}

func pollInto[E any](poll func() (E, bool), handle func(E)) {
	if ev, ok := poll(); ok {
		handle(ev)
	}
}

// Close releases metrics instruments.
func (e *Engine) Close() error {
	return e.metrics.Close()
}

// Poll gives every enabled sub-protocol one chance to make progress and
// returns the oldest queued Event, if any. Poll never blocks.
func (e *Engine) Poll() (Event, bool) {
	for _, p := range e.pollers {
		p.poll()
	}
	if e.events.Len() == 0 {
		return nil, false
	}

	ev := e.events.PopFront()
	e.metrics.delivered(ev, e.events.Len(), e.queries.len()+e.reqs.len())
	return ev, true
}

// Pending returns the number of queued Events.
func (e *Engine) Pending() int {
	return e.events.Len()
}

// PollOrder returns the names of the polled sub-protocols in poll order.
func (e *Engine) PollOrder() []string {
	names := make([]string, len(e.pollers))
	for i, p := range e.pollers {
		names[i] = p.name
	}
	return names
}

func (e *Engine) emit(ev Event) {
	e.events.PushBack(ev)
}

// GetBlock starts fetching a single block. Completion is reported through
// a BlockExchangeOutcome carrying the returned QueryID.
func (e *Engine) GetBlock(id cid.Cid, providers []peer.ID) QueryID {
	qid := e.queries.get(id, providers)
	log.Debugw("get block", "id", qid, "cid", id, "providers", len(providers))
	return qid
}

// SyncBlock starts fetching a block and everything it links to.
func (e *Engine) SyncBlock(id cid.Cid, providers []peer.ID) QueryID {
	qid := e.queries.sync(id, providers)
	log.Debugw("sync block", "id", qid, "cid", id, "providers", len(providers))
	return qid
}

// Cancel stops a block query. No outcome is reported for it afterwards.
func (e *Engine) Cancel(id QueryID) {
	e.queries.cancel(id)
}

// SendRequest issues a request to the peer. The promise is completed exactly
// once with either the response or a *mesh.RequestError. A refused request
// rejects the promise with the returned error.
func (e *Engine) SendRequest(
	p peer.ID,
	req mesh.Request,
	promise *mesh.Promise[mesh.Response],
) (RequestID, error) {
	err := p.Validate()
	if err != nil {
		err = fmt.Errorf("engine: invalid peer: %w", err)
	} else {
		err = req.Validate()
	}
	if err != nil {
		// the promise may be awaited elsewhere, so it is completed either way
		if rerr := promise.Reject(err); rerr != nil {
			log.Debugw("rejecting refused request", "peer", p, "err", rerr)
		}
		return 0, err
	}
	id := e.reqs.send(p, req, promise)
	log.Debugw("sent request", "id", id, "peer", p, "type", req.Type, "cid", req.CID)
	return id, nil
}

// Publish broadcasts data on the topic.
func (e *Engine) Publish(topic string, data []byte) (mesh.MessageID, error) {
	return e.protos.PubSub.Publish(topic, data)
}

// Subscribe joins the topic. It reports whether a new subscription was made.
func (e *Engine) Subscribe(topic string) (bool, error) {
	return e.protos.PubSub.Subscribe(topic)
}

// Unsubscribe leaves the topic. It reports whether a subscription existed.
func (e *Engine) Unsubscribe(topic string) (bool, error) {
	return e.protos.PubSub.Unsubscribe(topic)
}

// Bootstrap starts populating the discovery routing table.
func (e *Engine) Bootstrap() (QueryID, error) {
	return e.protos.Discovery.Bootstrap()
}

// PublicAddress returns the public address confirmed by NAT detection.
func (e *Engine) PublicAddress() (ma.Multiaddr, bool) {
	return Query(e.protos.NAT, NATDetector.PublicAddress)
}

// Peers returns the connected peers.
func (e *Engine) Peers() []peer.ID {
	return e.protos.Discovery.Peers()
}

// PublishAdvertisement asks the consumer to advertise the given address.
func (e *Engine) PublishAdvertisement(addr ma.Multiaddr) {
	e.emit(StartPublish{Address: addr})
}

// IsRelayClientEnabled reports whether the node may reserve slots on relays.
func (e *Engine) IsRelayClientEnabled() bool {
	return e.protos.RelayClient.IsEnabled()
}

func (e *Engine) onPing(ev PingEvent) {
	if ev.Err != nil {
		log.Debugw("ping failed", "peer", ev.Peer, "err", ev.Err)
		return
	}
	log.Debugw("ping", "peer", ev.Peer, "rtt", ev.RTT)
}

func (e *Engine) onIdentify(ev IdentifyEvent) {
	switch ev.Kind {
	case IdentifyReceived:
		e.bridge.promote(ev.Peer, ev.Info)
	case IdentifyFailed:
		log.Debugw("identify failed", "peer", ev.Peer, "err", ev.Err)
	default:
		log.Debugw("identify", "peer", ev.Peer, "kind", ev.Kind)
	}
}

func (e *Engine) onNAT(ev NATEvent) {
	switch ev.Kind {
	case NATStatusChanged:
		log.Infow("reachability changed", "old", ev.Old, "new", ev.New)
		e.emit(NatStatusChanged{Old: ev.Old, New: ev.New})
	default:
		log.Debugw("nat probe", "kind", ev.Kind, "peer", ev.Peer, "err", ev.Err)
	}
}

func (e *Engine) onRelayClient(ev RelayClientEvent) {
	if ev.Err != nil {
		log.Warnw("relay client", "kind", ev.Kind, "relay", ev.Relay, "err", ev.Err)
		return
	}
	log.Debugw("relay client", "kind", ev.Kind, "relay", ev.Relay, "renewal", ev.Renewal)
}

func (e *Engine) onRelayServer(ev RelayServerEvent) {
	switch ev.Kind {
	case RelayReservationReqAccepted:
		if !ev.Renewed {
			e.emit(RelayReservationOpened{Peer: ev.Peer})
		}
	case RelayReservationTimedOut:
		e.emit(RelayReservationClosed{Peer: ev.Peer})
	case RelayCircuitReqAccepted:
		e.emit(RelayCircuitOpened{})
	case RelayCircuitClosed:
		e.emit(RelayCircuitClosed{})
	default:
		log.Debugw("relay server", "kind", ev.Kind, "peer", ev.Peer)
	}
}

func (e *Engine) onHolePunch(ev HolePunchEvent) {
	log.Debugw("hole punch", "peer", ev.Peer, "type", ev.Type, "success", ev.Success, "err", ev.Err)
}

func (e *Engine) onBlockExchange(ev BlockExchangeEvent) {
	out, ok := e.queries.handle(ev)
	if !ok {
		return
	}
	e.metrics.outcome(out.Found)
	e.emit(out)
}

func (e *Engine) onGossip(ev GossipEvent) {
	switch ev.Kind {
	case GossipMessageReceived:
		e.emit(GossipMessage{Peer: ev.Peer, Topic: ev.Topic, Data: ev.Data, ID: ev.ID})
	default:
		log.Debugw("gossip", "kind", ev.Kind, "peer", ev.Peer, "topic", ev.Topic)
	}
}

func (e *Engine) onDiscovery(ev DiscoveryEvent) {
	switch ev.Kind {
	case DiscoveryConnected:
		e.emit(PeerConnected{Peer: ev.Peer})
	case DiscoveryDisconnected:
		e.emit(PeerDisconnected{Peer: ev.Peer})
	}
}

func (e *Engine) onRPC(ev RPCEvent) {
	if ev.Kind == RPCInboundRequest {
		e.emit(RequestMessage{Peer: ev.Peer, ID: ev.ID, Request: ev.Request, Channel: ev.Channel})
		return
	}
	e.reqs.handle(ev)
}

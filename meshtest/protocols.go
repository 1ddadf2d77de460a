package meshtest

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
)

// Fakes holds a scriptable fake for every sub-protocol of the engine.
type Fakes struct {
	Log *PollLog

	Liveness    *Queue[engine.PingEvent]
	Identify    *Queue[engine.IdentifyEvent]
	NAT         *NAT
	RelayClient *Queue[engine.RelayClientEvent]
	RelayServer *Queue[engine.RelayServerEvent]
	HolePunch   *Queue[engine.HolePunchEvent]
	Blocks      *BlockExchange
	PubSub      *PubSub
	Discovery   *Discovery
	RPC         *RequestResponse
}

// NewFakes creates fakes that signal the given Waker. The Waker may be nil.
func NewFakes(w *engine.Waker) *Fakes {
	log := new(PollLog)
	return &Fakes{
		Log:         log,
		Liveness:    &Queue[engine.PingEvent]{Name: "liveness", Log: log, Waker: w},
		Identify:    &Queue[engine.IdentifyEvent]{Name: "identify", Log: log, Waker: w},
		NAT:         &NAT{Queue: Queue[engine.NATEvent]{Name: "nat", Log: log, Waker: w}},
		RelayClient: &Queue[engine.RelayClientEvent]{Name: "relay_client", Log: log, Waker: w},
		RelayServer: &Queue[engine.RelayServerEvent]{Name: "relay_server", Log: log, Waker: w},
		HolePunch:   &Queue[engine.HolePunchEvent]{Name: "hole_punch", Log: log, Waker: w},
		Blocks: &BlockExchange{
			Queue: Queue[engine.BlockExchangeEvent]{Name: "block_exchange", Log: log, Waker: w},
		},
		PubSub: &PubSub{
			Queue:  Queue[engine.GossipEvent]{Name: "pubsub", Log: log, Waker: w},
			topics: make(map[string]struct{}),
		},
		Discovery: &Discovery{
			Queue: Queue[engine.DiscoveryEvent]{Name: "discovery", Log: log, Waker: w},
			Addrs: make(map[peer.ID][]ma.Multiaddr),
			peers: make(map[peer.ID]struct{}),
		},
		RPC: &RequestResponse{
			Queue: Queue[engine.RPCEvent]{Name: "rpc", Log: log, Waker: w},
			Addrs: make(map[peer.ID][]ma.Multiaddr),
		},
	}
}

// Protocols returns engine.Protocols over the fakes with every capability enabled.
func (f *Fakes) Protocols() engine.Protocols {
	return engine.Protocols{
		Liveness:    f.Liveness,
		Identify:    f.Identify,
		NAT:         engine.Enabled[engine.NATDetector](f.NAT),
		RelayClient: engine.Enabled[engine.RelayClient](f.RelayClient),
		RelayServer: engine.Enabled[engine.RelayServer](f.RelayServer),
		HolePunch:   engine.Enabled[engine.HolePuncher](f.HolePunch),
		Blocks:      f.Blocks,
		PubSub:      f.PubSub,
		Discovery:   f.Discovery,
		RPC:         f.RPC,
	}
}

// NAT is a fake engine.NATDetector.
type NAT struct {
	Queue[engine.NATEvent]

	lk      sync.Mutex
	status  network.Reachability
	address ma.Multiaddr
}

// SetStatus changes reachability and queues the matching event.
func (n *NAT) SetStatus(status network.Reachability, addr ma.Multiaddr) {
	n.lk.Lock()
	old := n.status
	n.status, n.address = status, addr
	n.lk.Unlock()
	n.Push(engine.NATEvent{Kind: engine.NATStatusChanged, Old: old, New: status})
}

func (n *NAT) PublicAddress() (ma.Multiaddr, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.status != network.ReachabilityPublic || n.address == nil {
		return nil, false
	}
	return n.address, true
}

// BlockRequest is a recorded Get or Sync call.
type BlockRequest struct {
	ID        engine.QueryID
	CID       cid.Cid
	Providers []peer.ID
	Recursive bool
}

// BlockExchange is a fake engine.BlockExchange issuing sequential query ids.
type BlockExchange struct {
	Queue[engine.BlockExchangeEvent]

	lk        sync.Mutex
	next      engine.QueryID
	requests  []BlockRequest
	cancelled []engine.QueryID
}

func (b *BlockExchange) Get(id cid.Cid, providers []peer.ID) engine.QueryID {
	return b.issue(id, providers, false)
}

func (b *BlockExchange) Sync(id cid.Cid, providers []peer.ID) engine.QueryID {
	return b.issue(id, providers, true)
}

func (b *BlockExchange) issue(id cid.Cid, providers []peer.ID, recursive bool) engine.QueryID {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.next++
	b.requests = append(b.requests, BlockRequest{ID: b.next, CID: id, Providers: providers, Recursive: recursive})
	return b.next
}

func (b *BlockExchange) Cancel(id engine.QueryID) {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.cancelled = append(b.cancelled, id)
}

// Complete queues a completion; a nil err means found.
func (b *BlockExchange) Complete(id engine.QueryID, err error) {
	b.Push(engine.BlockExchangeEvent{Kind: engine.BlockComplete, ID: id, Err: err})
}

// Progress queues a sync progress notification.
func (b *BlockExchange) Progress(id engine.QueryID, missing int) {
	b.Push(engine.BlockExchangeEvent{Kind: engine.BlockProgress, ID: id, Missing: missing})
}

// Requests returns the recorded Get and Sync calls.
func (b *BlockExchange) Requests() []BlockRequest {
	b.lk.Lock()
	defer b.lk.Unlock()
	return append([]BlockRequest(nil), b.requests...)
}

// Cancelled returns the cancelled query ids.
func (b *BlockExchange) Cancelled() []engine.QueryID {
	b.lk.Lock()
	defer b.lk.Unlock()
	return append([]engine.QueryID(nil), b.cancelled...)
}

// Publication is a recorded Publish call.
type Publication struct {
	Topic string
	Data  []byte
}

// PubSub is a fake engine.PubSub.
type PubSub struct {
	Queue[engine.GossipEvent]
	// PublishErr is returned from Publish when set.
	PublishErr error

	lk        sync.Mutex
	topics    map[string]struct{}
	published []Publication
	explicit  []peer.ID
}

func (ps *PubSub) Publish(topic string, data []byte) (mesh.MessageID, error) {
	if ps.PublishErr != nil {
		return nil, ps.PublishErr
	}
	ps.lk.Lock()
	defer ps.lk.Unlock()
	ps.published = append(ps.published, Publication{Topic: topic, Data: data})
	return mesh.NewMessageID(data), nil
}

func (ps *PubSub) Subscribe(topic string) (bool, error) {
	ps.lk.Lock()
	defer ps.lk.Unlock()
	if _, ok := ps.topics[topic]; ok {
		return false, nil
	}
	ps.topics[topic] = struct{}{}
	return true, nil
}

func (ps *PubSub) Unsubscribe(topic string) (bool, error) {
	ps.lk.Lock()
	defer ps.lk.Unlock()
	if _, ok := ps.topics[topic]; !ok {
		return false, nil
	}
	delete(ps.topics, topic)
	return true, nil
}

func (ps *PubSub) AddExplicitPeer(p peer.ID) {
	ps.lk.Lock()
	defer ps.lk.Unlock()
	ps.explicit = append(ps.explicit, p)
}

// Deliver queues a received message.
func (ps *PubSub) Deliver(from peer.ID, topic string, data []byte) {
	ps.Push(engine.GossipEvent{
		Kind:  engine.GossipMessageReceived,
		Peer:  from,
		Topic: topic,
		Data:  data,
		ID:    mesh.NewMessageID(data),
	})
}

// Subscribed reports whether the topic is subscribed.
func (ps *PubSub) Subscribed(topic string) bool {
	ps.lk.Lock()
	defer ps.lk.Unlock()
	_, ok := ps.topics[topic]
	return ok
}

// Published returns the recorded publications.
func (ps *PubSub) Published() []Publication {
	ps.lk.Lock()
	defer ps.lk.Unlock()
	return append([]Publication(nil), ps.published...)
}

// ExplicitPeers returns peers added through AddExplicitPeer.
func (ps *PubSub) ExplicitPeers() []peer.ID {
	ps.lk.Lock()
	defer ps.lk.Unlock()
	return append([]peer.ID(nil), ps.explicit...)
}

// Discovery is a fake engine.Discovery.
type Discovery struct {
	Queue[engine.DiscoveryEvent]
	// BootstrapErr is returned from Bootstrap when set.
	BootstrapErr error
	// Addrs is the address book written through AddAddress.
	Addrs map[peer.ID][]ma.Multiaddr

	lk         sync.Mutex
	peers      map[peer.ID]struct{}
	bootstraps engine.QueryID
}

func (d *Discovery) Bootstrap() (engine.QueryID, error) {
	if d.BootstrapErr != nil {
		return 0, d.BootstrapErr
	}
	d.lk.Lock()
	defer d.lk.Unlock()
	d.bootstraps++
	return d.bootstraps, nil
}

// Bootstraps returns how many times Bootstrap succeeded.
func (d *Discovery) Bootstraps() int {
	d.lk.Lock()
	defer d.lk.Unlock()
	return int(d.bootstraps)
}

func (d *Discovery) AddAddress(p peer.ID, addr ma.Multiaddr) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.Addrs[p] = append(d.Addrs[p], addr)
}

// AddressBook returns a copy of Addrs.
func (d *Discovery) AddressBook() map[peer.ID][]ma.Multiaddr {
	d.lk.Lock()
	defer d.lk.Unlock()
	out := make(map[peer.ID][]ma.Multiaddr, len(d.Addrs))
	for p, addrs := range d.Addrs {
		out[p] = append([]ma.Multiaddr(nil), addrs...)
	}
	return out
}

func (d *Discovery) Peers() []peer.ID {
	d.lk.Lock()
	defer d.lk.Unlock()
	out := make([]peer.ID, 0, len(d.peers))
	for p := range d.peers {
		out = append(out, p)
	}
	return out
}

// Connect marks the peer connected and queues the event.
func (d *Discovery) Connect(p peer.ID) {
	d.lk.Lock()
	d.peers[p] = struct{}{}
	d.lk.Unlock()
	d.Push(engine.DiscoveryEvent{Kind: engine.DiscoveryConnected, Peer: p})
}

// Disconnect marks the peer disconnected and queues the event.
func (d *Discovery) Disconnect(p peer.ID) {
	d.lk.Lock()
	delete(d.peers, p)
	d.lk.Unlock()
	d.Push(engine.DiscoveryEvent{Kind: engine.DiscoveryDisconnected, Peer: p})
}

// SentRequest is a recorded SendRequest call.
type SentRequest struct {
	ID      engine.RequestID
	Peer    peer.ID
	Request mesh.Request
}

// RequestResponse is a fake engine.RequestResponse.
type RequestResponse struct {
	Queue[engine.RPCEvent]
	// ReuseIDs makes every request share the same id.
	ReuseIDs bool
	// Addrs is the address book written through AddAddress.
	Addrs map[peer.ID][]ma.Multiaddr

	lk      sync.Mutex
	next    engine.RequestID
	inbound engine.RequestID
	sent    []SentRequest
}

func (r *RequestResponse) SendRequest(p peer.ID, req mesh.Request) engine.RequestID {
	r.lk.Lock()
	defer r.lk.Unlock()
	if !r.ReuseIDs || r.next == 0 {
		r.next++
	}
	r.sent = append(r.sent, SentRequest{ID: r.next, Peer: p, Request: req})
	return r.next
}

func (r *RequestResponse) AddAddress(p peer.ID, addr ma.Multiaddr) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.Addrs[p] = append(r.Addrs[p], addr)
}

// AddressBook returns a copy of Addrs.
func (r *RequestResponse) AddressBook() map[peer.ID][]ma.Multiaddr {
	r.lk.Lock()
	defer r.lk.Unlock()
	out := make(map[peer.ID][]ma.Multiaddr, len(r.Addrs))
	for p, addrs := range r.Addrs {
		out[p] = append([]ma.Multiaddr(nil), addrs...)
	}
	return out
}

// Sent returns the recorded outbound requests.
func (r *RequestResponse) Sent() []SentRequest {
	r.lk.Lock()
	defer r.lk.Unlock()
	return append([]SentRequest(nil), r.sent...)
}

// Respond queues a response for the outbound request.
func (r *RequestResponse) Respond(id engine.RequestID, resp mesh.Response) {
	r.Push(engine.RPCEvent{Kind: engine.RPCResponse, ID: id, Response: resp})
}

// Fail queues a failure for the outbound request.
func (r *RequestResponse) Fail(id engine.RequestID, kind mesh.FailureKind, err error) {
	r.Push(engine.RPCEvent{Kind: engine.RPCOutboundFailure, ID: id, Failure: kind, Err: err})
}

// Inbound queues an inbound request and returns the channel it must be answered on.
func (r *RequestResponse) Inbound(from peer.ID, req mesh.Request) *ResponseChannel {
	r.lk.Lock()
	r.inbound++
	id := r.inbound
	r.lk.Unlock()

	ch := NewResponseChannel()
	r.Push(engine.RPCEvent{Kind: engine.RPCInboundRequest, Peer: from, ID: id, Request: req, Channel: ch})
	return ch
}

// ResponseChannel is a fake engine.ResponseChannel.
type ResponseChannel struct {
	once chan mesh.Response
	lk   sync.Mutex
	used bool
}

func NewResponseChannel() *ResponseChannel {
	return &ResponseChannel{once: make(chan mesh.Response, 1)}
}

func (c *ResponseChannel) Send(resp mesh.Response) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.used {
		return mesh.ErrAlreadyCompleted
	}
	c.used = true
	c.once <- resp
	return nil
}

// Await waits for the response sent on the channel.
func (c *ResponseChannel) Await(ctx context.Context) (mesh.Response, error) {
	select {
	case resp := <-c.once:
		return resp, nil
	case <-ctx.Done():
		return mesh.Response{}, ctx.Err()
	}
}

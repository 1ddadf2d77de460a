package engine

import (
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	mesh "github.com/contentmesh/go-mesh"
)

// Every sub-protocol exposes a non-blocking Poll returning at most one of its
// native events. Implementations are expected to signal a Waker whenever new
// events become available.

// Liveness is the keepalive sub-protocol.
type Liveness interface {
	Poll() (PingEvent, bool)
}

// PingEvent reports a single liveness probe.
type PingEvent struct {
	Peer peer.ID
	RTT  time.Duration
	Err  error
}

// Identify is the peer identification sub-protocol.
type Identify interface {
	Poll() (IdentifyEvent, bool)
}

// IdentifyKind enumerates identification events.
type IdentifyKind uint8

const (
	IdentifyReceived IdentifyKind = iota + 1
	IdentifySent
	IdentifyPushed
	IdentifyFailed
)

// IdentifyInfo is what a remote peer tells about itself.
type IdentifyInfo struct {
	ProtocolVersion string
	AgentVersion    string
	Protocols       []protocol.ID
	ListenAddrs     []ma.Multiaddr
}

// IdentifyEvent reports progress of peer identification.
type IdentifyEvent struct {
	Kind IdentifyKind
	Peer peer.ID
	Info IdentifyInfo
	Err  error
}

// NATDetector probes whether the local node is publicly reachable.
type NATDetector interface {
	Poll() (NATEvent, bool)
	// PublicAddress returns the confirmed public address, if any.
	PublicAddress() (ma.Multiaddr, bool)
}

// NATEventKind enumerates reachability detection events.
type NATEventKind uint8

const (
	NATStatusChanged NATEventKind = iota + 1
	NATInboundProbe
	NATOutboundProbe
)

// NATEvent reports reachability detection progress.
type NATEvent struct {
	Kind     NATEventKind
	Old, New network.Reachability
	Peer     peer.ID
	Err      error
}

// RelayClient reserves slots on relays so the node can be reached through them.
type RelayClient interface {
	Poll() (RelayClientEvent, bool)
}

// RelayClientEventKind enumerates relay client events.
type RelayClientEventKind uint8

const (
	RelayReservationAccepted RelayClientEventKind = iota + 1
	RelayReservationFailed
	RelayCircuitEstablished
)

// RelayClientEvent reports relay client progress.
type RelayClientEvent struct {
	Kind    RelayClientEventKind
	Relay   peer.ID
	Renewal bool
	Err     error
}

// RelayServer relays traffic for other peers.
type RelayServer interface {
	Poll() (RelayServerEvent, bool)
}

// RelayServerEventKind enumerates relay server events.
type RelayServerEventKind uint8

const (
	RelayReservationReqAccepted RelayServerEventKind = iota + 1
	RelayReservationReqDenied
	RelayReservationTimedOut
	RelayCircuitReqAccepted
	RelayCircuitReqDenied
	RelayCircuitClosed
)

// RelayServerEvent reports relay server activity. Circuit events carry no peer.
type RelayServerEvent struct {
	Kind    RelayServerEventKind
	Peer    peer.ID
	Renewed bool
}

// HolePuncher upgrades relayed connections to direct ones.
type HolePuncher interface {
	Poll() (HolePunchEvent, bool)
}

// HolePunchEvent reports a hole punching attempt.
type HolePunchEvent struct {
	Peer    peer.ID
	Type    string
	Success bool
	Err     error
}

// QueryID identifies an in-flight sub-protocol query. Block-exchange queries
// and discovery queries are numbered independently.
type QueryID uint64

// BlockExchange fetches blocks from other peers.
type BlockExchange interface {
	// Get fetches a single block.
	Get(id cid.Cid, providers []peer.ID) QueryID
	// Sync fetches the block and every block it transitively links to.
	Sync(id cid.Cid, providers []peer.ID) QueryID
	// Cancel stops the query. No events are produced for it afterwards.
	Cancel(QueryID)
	Poll() (BlockExchangeEvent, bool)
}

// BlockExchangeEventKind enumerates block exchange events.
type BlockExchangeEventKind uint8

const (
	BlockProgress BlockExchangeEventKind = iota + 1
	BlockComplete
)

// BlockExchangeEvent reports query progress. A Complete event with a nil
// Err means the content was found.
type BlockExchangeEvent struct {
	Kind    BlockExchangeEventKind
	ID      QueryID
	Missing int
	Err     error
}

// PubSub is the topic-based publish/subscribe sub-protocol.
type PubSub interface {
	Publish(topic string, data []byte) (mesh.MessageID, error)
	// Subscribe reports whether a new subscription was made.
	Subscribe(topic string) (bool, error)
	// Unsubscribe reports whether a subscription existed.
	Unsubscribe(topic string) (bool, error)
	// AddExplicitPeer makes the peer a permanent mesh partner.
	AddExplicitPeer(peer.ID)
	Poll() (GossipEvent, bool)
}

// GossipEventKind enumerates pub/sub events.
type GossipEventKind uint8

const (
	GossipMessageReceived GossipEventKind = iota + 1
	GossipPeerSubscribed
	GossipPeerUnsubscribed
)

// GossipEvent reports pub/sub activity.
type GossipEvent struct {
	Kind  GossipEventKind
	Peer  peer.ID
	Topic string
	Data  []byte
	ID    mesh.MessageID
}

// Discovery maintains the distributed peer routing table.
type Discovery interface {
	// Bootstrap starts populating the routing table.
	Bootstrap() (QueryID, error)
	AddAddress(peer.ID, ma.Multiaddr)
	// Peers returns the currently connected peers.
	Peers() []peer.ID
	Poll() (DiscoveryEvent, bool)
}

// DiscoveryEventKind enumerates discovery events.
type DiscoveryEventKind uint8

const (
	DiscoveryConnected DiscoveryEventKind = iota + 1
	DiscoveryDisconnected
)

// DiscoveryEvent reports connection changes.
type DiscoveryEvent struct {
	Kind DiscoveryEventKind
	Peer peer.ID
}

// RequestID identifies an outbound or inbound request. It is unique per
// direction for the lifetime of the RequestResponse instance.
type RequestID uint64

// ResponseChannel answers a single inbound request. Send succeeds at most once.
type ResponseChannel interface {
	Send(mesh.Response) error
}

// RequestResponse is the generic request/response RPC sub-protocol.
type RequestResponse interface {
	SendRequest(peer.ID, mesh.Request) RequestID
	AddAddress(peer.ID, ma.Multiaddr)
	Poll() (RPCEvent, bool)
}

// RPCEventKind enumerates request/response events.
type RPCEventKind uint8

const (
	RPCInboundRequest RPCEventKind = iota + 1
	RPCResponse
	RPCOutboundFailure
	RPCInboundFailure
	RPCResponseSent
)

// RPCEvent reports request/response activity.
type RPCEvent struct {
	Kind     RPCEventKind
	Peer     peer.ID
	ID       RequestID
	Request  mesh.Request
	Response mesh.Response
	Channel  ResponseChannel
	Failure  mesh.FailureKind
	Err      error
}

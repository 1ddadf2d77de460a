package engine

import (
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	mesh "github.com/contentmesh/go-mesh"
)

// Event is the unified application-facing event emitted by the Engine.
type Event interface {
	event()
}

// PeerConnected is emitted when a connection to a peer is established.
type PeerConnected struct {
	Peer peer.ID
}

// PeerDisconnected is emitted when the last connection to a peer closes.
type PeerDisconnected struct {
	Peer peer.ID
}

// NatStatusChanged is emitted when local reachability changes.
type NatStatusChanged struct {
	Old, New network.Reachability
}

// RelayReservationOpened is emitted when a peer reserves a slot on this relay.
type RelayReservationOpened struct {
	Peer peer.ID
}

// RelayReservationClosed is emitted when a reservation on this relay expires.
type RelayReservationClosed struct {
	Peer peer.ID
}

// RelayCircuitOpened is emitted when this relay accepts a circuit.
type RelayCircuitOpened struct{}

// RelayCircuitClosed is emitted when a circuit through this relay closes.
type RelayCircuitClosed struct{}

// BlockExchangeOutcome is emitted once per completed block query.
type BlockExchangeOutcome struct {
	CID   cid.Cid
	ID    QueryID
	Found bool
}

// GossipMessage is emitted for every message received on a subscribed topic.
type GossipMessage struct {
	// Peer the message was propagated by, not necessarily its author.
	Peer  peer.ID
	Topic string
	Data  []byte
	ID    mesh.MessageID
}

// RequestMessage is emitted for an inbound request. The consumer must answer
// through Channel.
type RequestMessage struct {
	Peer    peer.ID
	ID      RequestID
	Request mesh.Request
	Channel ResponseChannel
}

// StartPublish asks the consumer to publish an advertisement for Address.
type StartPublish struct {
	Address ma.Multiaddr
}

func (PeerConnected) event()          {}
func (PeerDisconnected) event()       {}
func (NatStatusChanged) event()       {}
func (RelayReservationOpened) event() {}
func (RelayReservationClosed) event() {}
func (RelayCircuitOpened) event()     {}
func (RelayCircuitClosed) event()     {}
func (BlockExchangeOutcome) event()   {}
func (GossipMessage) event()          {}
func (RequestMessage) event()         {}
func (StartPublish) event()           {}

// eventName is a low-cardinality label for metrics and logs.
func eventName(ev Event) string {
	switch ev.(type) {
	case PeerConnected:
		return "peer_connected"
	case PeerDisconnected:
		return "peer_disconnected"
	case NatStatusChanged:
		return "nat_status_changed"
	case RelayReservationOpened:
		return "relay_reservation_opened"
	case RelayReservationClosed:
		return "relay_reservation_closed"
	case RelayCircuitOpened:
		return "relay_circuit_opened"
	case RelayCircuitClosed:
		return "relay_circuit_closed"
	case BlockExchangeOutcome:
		return "block_exchange_outcome"
	case GossipMessage:
		return "gossip_message"
	case RequestMessage:
		return "request_message"
	case StartPublish:
		return "start_publish"
	default:
		return "unknown"
	}
}

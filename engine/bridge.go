package engine

import (
	"slices"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// peerBridge promotes identified peers speaking the content protocol into the
// address books of discovery, pub/sub and RPC.
type peerBridge struct {
	contentProtocol protocol.ID

	discovery Discovery
	pubsub    PubSub
	rpc       RequestResponse
}

// promote returns whether the peer was promoted.
func (b *peerBridge) promote(p peer.ID, info IdentifyInfo) bool {
	if err := p.Validate(); err != nil {
		log.Debugw("not promoting peer with invalid id", "err", err)
		return false
	}
	if len(info.Protocols) == 0 {
		log.Debugw("not promoting peer without protocols", "peer", p)
		return false
	}
	if !slices.Contains(info.Protocols, b.contentProtocol) {
		return false
	}

	b.pubsub.AddExplicitPeer(p)
	for _, addr := range info.ListenAddrs {
		b.discovery.AddAddress(p, addr)
		b.rpc.AddAddress(p, addr)
	}
	log.Debugw("promoted peer", "peer", p, "agent", info.AgentVersion, "addrs", len(info.ListenAddrs))
	return true
}

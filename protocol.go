package mesh

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// DefaultNetworkID names the network when none is configured.
const DefaultNetworkID = "mesh"

// DiscoveryProtocolID returns the DHT protocol of the given network. Peers
// advertising it are considered content-network peers.
func DiscoveryProtocolID(networkID string) protocol.ID {
	return protocol.ID(fmt.Sprintf("/%s/kad/1.0.0", networkID))
}

// DiscoveryProtocolPrefix returns the prefix handed to the DHT so that it
// speaks DiscoveryProtocolID.
func DiscoveryProtocolPrefix(networkID string) protocol.ID {
	return protocol.ID("/" + networkID)
}

// ExchangeProtocolID returns the request/response protocol of the given network.
func ExchangeProtocolID(networkID string) protocol.ID {
	return protocol.ID(fmt.Sprintf("/%s/exchange/0.0.1", networkID))
}

// ProtocolVersion is announced through peer identification.
func ProtocolVersion(networkID string) string {
	return networkID + "/0.1.0"
}

// Version of the node software.
const Version = "0.1.0"

// AgentVersion is announced through peer identification.
func AgentVersion() string {
	return "go-mesh/" + Version
}

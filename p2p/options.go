package p2p

import (
	"fmt"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	mesh "github.com/contentmesh/go-mesh"
)

// Option is the functional option that is applied to the Stack instance
// to configure its parameters.
type Option func(*Parameters)

// Parameters is the set of parameters that must be configured for the Stack.
type Parameters struct {
	// NetworkID namespaces every protocol id of the node.
	NetworkID string
	// ListenAddrs are the multiaddrs the host listens on.
	ListenAddrs []string
	// BootstrapPeers are dialed on start and seed the DHT.
	BootstrapPeers []peer.AddrInfo
	// StaticRelays are asked for circuit reservations when the relay client
	// is enabled.
	StaticRelays []peer.AddrInfo
	// PrivKey is the host identity. A random key is used when nil.
	PrivKey crypto.PrivKey
	// Datastore backs the DHT, the connection gater and the persisted
	// peerstore. An in-memory datastore is used when nil.
	Datastore datastore.Batching

	// Optional capabilities. The core protocols are always on.
	EnableAutoNAT      bool
	EnableRelayClient  bool
	EnableRelayServer  bool
	EnableHolePunching bool

	// RequestTimeout bounds every outbound request and every unanswered
	// inbound one.
	RequestTimeout time.Duration
	// PingInterval is how often connected peers are probed.
	PingInterval time.Duration
	// ConnLowWater and ConnHighWater bound the connection manager.
	ConnLowWater  int
	ConnHighWater int

	metrics bool
}

// DefaultParameters returns the default params to configure the Stack.
func DefaultParameters() Parameters {
	return Parameters{
		NetworkID: mesh.DefaultNetworkID,
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/6009",
			"/ip4/0.0.0.0/udp/6009/quic-v1",
		},
		EnableAutoNAT:      true,
		EnableRelayClient:  true,
		EnableRelayServer:  true,
		EnableHolePunching: true,
		RequestTimeout:     time.Minute,
		PingInterval:       time.Second * 15,
		ConnLowWater:       50,
		ConnHighWater:      100,
	}
}

func (p *Parameters) Validate() error {
	if p.NetworkID == "" {
		return fmt.Errorf("invalid network id: empty")
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout: %s, must be positive", p.RequestTimeout)
	}
	if p.PingInterval <= 0 {
		return fmt.Errorf("invalid ping interval: %s, must be positive", p.PingInterval)
	}
	if p.ConnLowWater > p.ConnHighWater {
		return fmt.Errorf("invalid connection watermarks: low %d above high %d", p.ConnLowWater, p.ConnHighWater)
	}
	if p.EnableHolePunching && !p.EnableRelayClient {
		return fmt.Errorf("%w: hole punching requires the relay client", mesh.ErrConfigConflict)
	}
	for _, ai := range p.BootstrapPeers {
		if err := ai.ID.Validate(); err != nil {
			return fmt.Errorf("invalid bootstrap peer: %w", err)
		}
	}
	return nil
}

// WithNetworkID is a functional option that configures the `NetworkID`
// parameter.
func WithNetworkID(networkID string) Option {
	return func(p *Parameters) {
		p.NetworkID = networkID
	}
}

// WithListenAddrs is a functional option that configures the `ListenAddrs`
// parameter.
func WithListenAddrs(addrs ...string) Option {
	return func(p *Parameters) {
		p.ListenAddrs = addrs
	}
}

// WithBootstrapPeers is a functional option that configures the
// `BootstrapPeers` parameter.
func WithBootstrapPeers(peers ...peer.AddrInfo) Option {
	return func(p *Parameters) {
		p.BootstrapPeers = peers
	}
}

// WithStaticRelays is a functional option that configures the
// `StaticRelays` parameter.
func WithStaticRelays(relays ...peer.AddrInfo) Option {
	return func(p *Parameters) {
		p.StaticRelays = relays
	}
}

// WithPrivKey is a functional option that configures the `PrivKey`
// parameter.
func WithPrivKey(key crypto.PrivKey) Option {
	return func(p *Parameters) {
		p.PrivKey = key
	}
}

// WithDatastore is a functional option that configures the `Datastore`
// parameter.
func WithDatastore(ds datastore.Batching) Option {
	return func(p *Parameters) {
		p.Datastore = ds
	}
}

// WithRequestTimeout is a functional option that configures the
// `RequestTimeout` parameter.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(p *Parameters) {
		p.RequestTimeout = timeout
	}
}

// WithMetrics enables metrics collection in every adapter.
func WithMetrics() Option {
	return func(p *Parameters) {
		p.metrics = true
	}
}

// WithParams is a functional option that overrides Parameters.
func WithParams(new Parameters) Option {
	return func(old *Parameters) {
		*old = new
	}
}

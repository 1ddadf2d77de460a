package engine

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"

	mesh "github.com/contentmesh/go-mesh"
)

// Option is the functional option that is applied to the Engine instance
// to configure its parameters.
type Option func(*Parameters)

// Parameters is the set of parameters that must be configured for the Engine.
type Parameters struct {
	// ContentProtocol is the protocol a peer must advertise through
	// identification to be promoted into the address books.
	ContentProtocol protocol.ID
	// metrics enables OpenTelemetry instruments.
	metrics bool
}

// DefaultParameters returns the default params to configure the Engine.
func DefaultParameters() Parameters {
	return Parameters{
		ContentProtocol: mesh.DiscoveryProtocolID(mesh.DefaultNetworkID),
	}
}

func (p *Parameters) Validate() error {
	if p.ContentProtocol == "" {
		return fmt.Errorf("invalid content protocol: empty")
	}
	return nil
}

// WithContentProtocol is a functional option that configures the
// `ContentProtocol` parameter.
func WithContentProtocol(id protocol.ID) Option {
	return func(p *Parameters) {
		p.ContentProtocol = id
	}
}

// WithNetworkID is a functional option that derives the `ContentProtocol`
// parameter from the network id.
func WithNetworkID(networkID string) Option {
	return func(p *Parameters) {
		p.ContentProtocol = mesh.DiscoveryProtocolID(networkID)
	}
}

// WithMetrics enables metrics collection.
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

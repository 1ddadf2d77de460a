package p2p

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerIDStore is a utility for persisting good peers to a datastore, so
// discovery has somebody to dial after a restart.
type PeerIDStore interface {
	// Put stores the given peers.
	Put(ctx context.Context, peers []peer.ID) error
	// Load loads the stored peers' AddrInfo.
	Load(ctx context.Context) ([]peer.AddrInfo, error)
}

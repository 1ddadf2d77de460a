// Package persisted_peerstore remembers good peers across restarts.
package persisted_peerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
)

var (
	storePrefix = datastore.NewKey("known_peers")
	peersKey    = datastore.NewKey("peers")

	log = logging.Logger("mesh/peerstore")
)

// PersistedPeerstore keeps the AddrInfo of peers that were connected when the
// node last stopped.
type PersistedPeerstore struct {
	ds       datastore.Datastore
	addrBook peerstore.AddrBook
}

// NewPersistedPeerstore wraps ds with the `known_peers` prefix. Addresses are
// taken from addrBook when peers are persisted and merged back in on load.
func NewPersistedPeerstore(ds datastore.Datastore, addrBook peerstore.AddrBook) *PersistedPeerstore {
	return &PersistedPeerstore{
		ds:       namespace.Wrap(ds, storePrefix),
		addrBook: addrBook,
	}
}

// Load returns the persisted peers. An empty store yields no peers and no
// error.
func (pp *PersistedPeerstore) Load(ctx context.Context) ([]peer.AddrInfo, error) {
	bin, err := pp.ds.Get(ctx, peersKey)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peerstore: loading peers from datastore: %w", err)
	}

	var infos []peer.AddrInfo
	if err = json.Unmarshal(bin, &infos); err != nil {
		return nil, fmt.Errorf("peerstore: unmarshalling peers: %w", err)
	}

	for i := range infos {
		infos[i].Addrs = merge(infos[i].Addrs, pp.addrBook.Addrs(infos[i].ID))
	}

	log.Infow("loaded peers from disk", "amount", len(infos))
	return infos, nil
}

// Put persists the given peers together with their currently known
// addresses. Peers without addresses are skipped.
func (pp *PersistedPeerstore) Put(ctx context.Context, peers []peer.ID) error {
	infos := make([]peer.AddrInfo, 0, len(peers))
	for _, id := range peers {
		addrs := pp.addrBook.Addrs(id)
		if len(addrs) == 0 {
			continue
		}
		infos = append(infos, peer.AddrInfo{ID: id, Addrs: addrs})
	}

	bin, err := json.Marshal(infos)
	if err != nil {
		return fmt.Errorf("peerstore: marshal peerlist: %w", err)
	}
	if err = pp.ds.Put(ctx, peersKey, bin); err != nil {
		return fmt.Errorf("peerstore: writing to datastore: %w", err)
	}

	log.Debugw("persisted peers", "amount", len(infos), "skipped", len(peers)-len(infos))
	return nil
}

func merge(stored, current []ma.Multiaddr) []ma.Multiaddr {
	out := stored
	for _, addr := range current {
		if !contains(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}

func contains(addrs []ma.Multiaddr, addr ma.Multiaddr) bool {
	for _, a := range addrs {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

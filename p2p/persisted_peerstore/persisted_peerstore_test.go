package persisted_peerstore

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutLoad(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	ds := sync.MutexWrap(datastore.NewMapDatastore())
	addrBook, err := pstoremem.NewPeerstore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = addrBook.Close() })

	pstore := NewPersistedPeerstore(ds, addrBook)

	peerlist := randomPeerlist(t, 10)
	ids := make([]peer.ID, 0, len(peerlist)+1)
	for _, ai := range peerlist {
		addrBook.AddAddrs(ai.ID, ai.Addrs, time.Hour)
		ids = append(ids, ai.ID)
	}
	// a peer with no known address is not worth remembering
	ids = append(ids, randomPeerlist(t, 1)[0].ID)

	require.NoError(t, pstore.Put(ctx, ids))

	// a fresh address book still yields the persisted addresses
	fresh, err := pstoremem.NewPeerstore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })

	loaded, err := NewPersistedPeerstore(ds, fresh).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, peerlist, loaded)
}

func TestLoadMergesAddrBook(t *testing.T) {
	ctx := context.Background()
	ds := sync.MutexWrap(datastore.NewMapDatastore())
	addrBook, err := pstoremem.NewPeerstore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = addrBook.Close() })

	pstore := NewPersistedPeerstore(ds, addrBook)
	ai := randomPeerlist(t, 1)[0]
	addrBook.AddAddrs(ai.ID, ai.Addrs, time.Hour)
	require.NoError(t, pstore.Put(ctx, []peer.ID{ai.ID}))

	extra := ma.StringCast("/ip4/10.0.0.1/udp/4001/quic-v1")
	addrBook.AddAddr(ai.ID, extra, time.Hour)

	loaded, err := pstore.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Len(t, loaded[0].Addrs, 2)
}

func TestLoadEmpty(t *testing.T) {
	addrBook, err := pstoremem.NewPeerstore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = addrBook.Close() })

	pstore := NewPersistedPeerstore(datastore.NewMapDatastore(), addrBook)
	loaded, err := pstore.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func randomPeerlist(t *testing.T, n int) []peer.AddrInfo {
	t.Helper()
	peers := make([]peer.AddrInfo, 0, n)
	for range n {
		_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
		require.NoError(t, err)
		id, err := peer.IDFromPublicKey(pub)
		require.NoError(t, err)
		peers = append(peers, peer.AddrInfo{
			ID:    id,
			Addrs: []ma.Multiaddr{ma.StringCast("/ip4/0.0.0.0/tcp/2121")},
		})
	}
	return peers
}

package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
	"github.com/contentmesh/go-mesh/meshtest"
)

type memPIDStore struct {
	lk    sync.Mutex
	peers []peer.ID
	load  []peer.AddrInfo
}

func (s *memPIDStore) Put(_ context.Context, peers []peer.ID) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.peers = peers
	return nil
}

func (s *memPIDStore) Load(context.Context) ([]peer.AddrInfo, error) {
	return s.load, nil
}

func (s *memPIDStore) stored() []peer.ID {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.peers
}

func newTestDHT(t *testing.T, h host.Host) *dht.IpfsDHT {
	t.Helper()
	kad, err := dht.New(context.Background(), h,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(mesh.DiscoveryProtocolPrefix("test")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kad.Close() })
	return kad
}

func TestDiscovery_TracksPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshLinked(2)
	require.NoError(t, err)
	hosts := net.Hosts()

	store := &memPIDStore{}
	waker := engine.NewWaker()
	disc := NewDiscovery(hosts[0], newTestDHT(t, hosts[0]), store, waker)
	require.NoError(t, disc.InitMetrics())
	require.NoError(t, disc.Start(ctx, nil))

	_, err = disc.Bootstrap()
	assert.ErrorIs(t, err, ErrNoKnownPeers)

	_, err = net.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)

	ev := nextEvent(t, waker, disc.Poll, nil)
	assert.Equal(t, engine.DiscoveryEvent{Kind: engine.DiscoveryConnected, Peer: hosts[1].ID()}, ev)
	assert.Equal(t, []peer.ID{hosts[1].ID()}, disc.Peers())

	first, err := disc.Bootstrap()
	require.NoError(t, err)
	second, err := disc.Bootstrap()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, disc.Stop(ctx))
	assert.Equal(t, []peer.ID{hosts[1].ID()}, store.stored())
}

func TestDiscovery_Disconnected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := net.Hosts()

	waker := engine.NewWaker()
	disc := NewDiscovery(hosts[0], newTestDHT(t, hosts[0]), nil, waker)
	require.NoError(t, disc.Start(ctx, nil))
	t.Cleanup(func() { _ = disc.Stop(ctx) })

	// already connected peers are picked up on start
	ev := nextEvent(t, waker, disc.Poll, nil)
	assert.Equal(t, engine.DiscoveryConnected, ev.Kind)

	require.NoError(t, net.DisconnectPeers(hosts[0].ID(), hosts[1].ID()))
	ev = nextEvent(t, waker, disc.Poll, nil)
	assert.Equal(t, engine.DiscoveryEvent{Kind: engine.DiscoveryDisconnected, Peer: hosts[1].ID()}, ev)
	assert.Empty(t, disc.Peers())
}

func TestDiscovery_AddAddress(t *testing.T) {
	net, err := mocknet.FullMeshLinked(1)
	require.NoError(t, err)
	h := net.Hosts()[0]

	disc := NewDiscovery(h, newTestDHT(t, h), nil, engine.NewWaker())
	p := meshtest.RandPeerID(t)
	addr := meshtest.Multiaddr(t, "/ip4/10.0.0.1/tcp/4001")

	disc.AddAddress(p, addr)
	assert.Contains(t, h.Peerstore().Addrs(p), addr)
}

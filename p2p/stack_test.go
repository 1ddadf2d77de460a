package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
)

func newTestStack(t *testing.T, opts ...Option) *Stack {
	t.Helper()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	opts = append([]Option{
		WithListenAddrs("/ip4/127.0.0.1/tcp/0"),
		WithDatastore(ds),
	}, opts...)

	s, err := NewStack(context.Background(), blockstore.NewBlockstore(ds), engine.NewWaker(), opts...)
	require.NoError(t, err)
	return s
}

func TestStack_Lifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	s := newTestStack(t, WithNetworkID("stack-test"), WithMetrics())
	protos := s.Protocols()
	assert.True(t, protos.NAT.IsEnabled())
	assert.True(t, protos.RelayClient.IsEnabled())
	assert.True(t, protos.RelayServer.IsEnabled())
	assert.True(t, protos.HolePunch.IsEnabled())

	e, err := engine.New(protos, s.EngineOptions()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	assert.Equal(t, mesh.DiscoveryProtocolID("stack-test"), e.Params.ContentProtocol)

	require.NoError(t, s.Start(ctx))
	assert.Contains(t, s.Host.Mux().Protocols(), mesh.ExchangeProtocolID("stack-test"))
	require.NoError(t, s.Stop(ctx))
}

func TestStack_OptionalCapabilities(t *testing.T) {
	s := newTestStack(t, WithParams(func() Parameters {
		p := DefaultParameters()
		p.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
		p.EnableAutoNAT = false
		p.EnableRelayClient = false
		p.EnableRelayServer = false
		p.EnableHolePunching = false
		return p
	}()))
	t.Cleanup(func() {
		_ = s.DHT.Close()
		_ = s.Host.Close()
	})

	protos := s.Protocols()
	assert.False(t, protos.NAT.IsEnabled())
	assert.False(t, protos.RelayClient.IsEnabled())
	assert.False(t, protos.RelayServer.IsEnabled())
	assert.False(t, protos.HolePunch.IsEnabled())

	e, err := engine.New(protos)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	assert.False(t, e.IsRelayClientEnabled())
	_, ok := e.PublicAddress()
	assert.False(t, ok)
}

func TestStack_Conflict(t *testing.T) {
	_, err := NewStack(context.Background(), nil, engine.NewWaker(), func(p *Parameters) {
		p.EnableRelayClient = false
	})
	assert.ErrorIs(t, err, mesh.ErrConfigConflict)
}

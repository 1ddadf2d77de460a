package p2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/net/conngater"
	"golang.org/x/sync/errgroup"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
	"github.com/contentmesh/go-mesh/p2p/persisted_peerstore"
)

// Stack owns the libp2p host and one adapter per engine sub-protocol.
type Stack struct {
	Host   host.Host
	Gater  *conngater.BasicConnectionGater
	DHT    *dht.IpfsDHT
	PubSub *pubsub.PubSub

	Params Parameters

	ping        *Ping
	identify    *Identify
	nat         *NAT
	relayClient *RelayClient
	relayServer *RelayServer
	holePunch   *HolePunch
	bitswap     *Bitswap
	gossip      *Gossip
	discovery   *Discovery
	rpc         *RPC
}

// NewStack builds the host and every adapter. Adapters push their events
// through waker. Blocks fetched by bitswap land in bstore.
func NewStack(
	ctx context.Context,
	bstore blockstore.Blockstore,
	waker *engine.Waker,
	opts ...Option,
) (_ *Stack, err error) {
	params := DefaultParameters()
	for _, opt := range opts {
		opt(&params)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.Datastore == nil {
		params.Datastore = dssync.MutexWrap(datastore.NewMapDatastore())
	}

	s := &Stack{Params: params}
	if params.EnableHolePunching {
		s.holePunch = NewHolePunch(waker)
	}

	s.Host, s.Gater, err = NewHost(params, s.holePunch)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, s.Host.Close())
		}
	}()

	s.DHT, err = dht.New(ctx, s.Host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(mesh.DiscoveryProtocolPrefix(params.NetworkID)),
		dht.BootstrapPeers(params.BootstrapPeers...),
		dht.Datastore(params.Datastore),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dht: %w", err)
	}

	s.PubSub, err = NewGossipSub(ctx, s.Host)
	if err != nil {
		return nil, fmt.Errorf("creating gossipsub: %w", err)
	}

	pidstore := persisted_peerstore.NewPersistedPeerstore(params.Datastore, s.Host.Peerstore())

	s.ping = NewPing(s.Host, waker, params.PingInterval)
	s.identify = NewIdentify(s.Host, waker)
	s.bitswap = NewBitswap(s.Host, waker, bstore, s.DHT)
	s.gossip = NewGossip(s.Host, s.PubSub, waker)
	s.discovery = NewDiscovery(s.Host, s.DHT, pidstore, waker)
	s.rpc = NewRPC(s.Host, mesh.ExchangeProtocolID(params.NetworkID), params.RequestTimeout, waker)
	if params.EnableAutoNAT {
		s.nat = NewNAT(s.Host, waker)
	}
	if params.EnableRelayClient {
		s.relayClient = NewRelayClient(s.Host, waker, params.StaticRelays)
	}
	if params.EnableRelayServer {
		s.relayServer = NewRelayServer(s.Host, waker)
	}

	if params.metrics {
		err = errors.Join(
			s.gossip.InitMetrics(),
			s.discovery.InitMetrics(),
			s.rpc.InitMetrics(),
		)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Protocols returns the adapters as engine sub-protocols.
func (s *Stack) Protocols() engine.Protocols {
	protos := engine.Protocols{
		Liveness:    s.ping,
		Identify:    s.identify,
		NAT:         engine.Disabled[engine.NATDetector](),
		RelayClient: engine.Disabled[engine.RelayClient](),
		RelayServer: engine.Disabled[engine.RelayServer](),
		HolePunch:   engine.Disabled[engine.HolePuncher](),
		Blocks:      s.bitswap,
		PubSub:      s.gossip,
		Discovery:   s.discovery,
		RPC:         s.rpc,
	}
	// typed nil pointers must not become enabled capabilities
	if s.nat != nil {
		protos.NAT = engine.Enabled[engine.NATDetector](s.nat)
	}
	if s.relayClient != nil {
		protos.RelayClient = engine.Enabled[engine.RelayClient](s.relayClient)
	}
	if s.relayServer != nil {
		protos.RelayServer = engine.Enabled[engine.RelayServer](s.relayServer)
	}
	if s.holePunch != nil {
		protos.HolePunch = engine.Enabled[engine.HolePuncher](s.holePunch)
	}
	return protos
}

// EngineOptions returns the engine options matching the stack's network.
func (s *Stack) EngineOptions() []engine.Option {
	opts := []engine.Option{engine.WithNetworkID(s.Params.NetworkID)}
	if s.Params.metrics {
		opts = append(opts, engine.WithMetrics())
	}
	return opts
}

// Start starts every adapter and dials the bootstrap peers.
func (s *Stack) Start(ctx context.Context) error {
	starters := []func(context.Context) error{
		s.rpc.Start,
		s.ping.Start,
		s.identify.Start,
		func(ctx context.Context) error {
			return s.discovery.Start(ctx, s.Params.BootstrapPeers)
		},
	}
	if s.nat != nil {
		starters = append(starters, s.nat.Start)
	}
	if s.relayServer != nil {
		starters = append(starters, s.relayServer.Start)
	}
	if s.relayClient != nil {
		starters = append(starters, s.relayClient.Start)
	}

	for _, start := range starters {
		if err := start(ctx); err != nil {
			return errors.Join(err, s.DHT.Close(), s.Host.Close())
		}
	}
	log.Infow("p2p stack started", "network", s.Params.NetworkID, "peer", s.Host.ID())
	return nil
}

// Stop stops every adapter concurrently and closes the host. It must only be
// called after a successful Start.
func (s *Stack) Stop(ctx context.Context) error {
	stoppers := []func(context.Context) error{
		s.rpc.Stop,
		s.ping.Stop,
		s.identify.Stop,
		s.discovery.Stop,
		s.gossip.Stop,
		s.bitswap.Stop,
	}
	if s.nat != nil {
		stoppers = append(stoppers, s.nat.Stop)
	}
	if s.relayServer != nil {
		stoppers = append(stoppers, s.relayServer.Stop)
	}
	if s.relayClient != nil {
		stoppers = append(stoppers, s.relayClient.Stop)
	}

	var eg errgroup.Group
	for _, stop := range stoppers {
		eg.Go(func() error {
			return stop(ctx)
		})
	}
	err := eg.Wait()
	return errors.Join(err, s.DHT.Close(), s.Host.Close())
}

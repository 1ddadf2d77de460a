/*
Package p2p implements every engine sub-protocol on top of a libp2p host.

# Components

Each adapter wraps one libp2p service, translates its callbacks and event bus
notifications into native engine events and queues them until the engine
polls. Queuing an event signals the engine's Waker.

  - Ping: probes connected peers on an interval.
  - Identify: reports identification results from the host's event bus.
  - NAT: tracks AutoNAT reachability and exposes the public address.
  - RelayClient: keeps reservations on static circuit v2 relays.
  - RelayServer: runs a circuit v2 relay and reports reservation and
    circuit lifecycle through its ACL and metrics hooks.
  - HolePunch: the hole punching tracer installed into the host.
  - Bitswap: block exchange over boxo bitswap with cancellable queries.
  - Gossip: gossipsub topics with content-addressed message ids.
  - Discovery: Kademlia routing table maintenance and connection tracking.
    Peers connected at shutdown are remembered in a PeerIDStore.
  - RPC: the request/response protocol on "/${networkID}/exchange/0.0.1".
    One length-prefixed Request and one Response travel per stream.

Stack builds the host and all adapters from Parameters:

	s, err := p2p.NewStack(ctx, blockstore, waker,
		p2p.WithNetworkID("mesh"),
		p2p.WithBootstrapPeers(peers...),
	)
	e, err := engine.New(s.Protocols(), s.EngineOptions()...)
	err = s.Start(ctx)
	// ...
	err = s.Stop(ctx)
*/
package p2p

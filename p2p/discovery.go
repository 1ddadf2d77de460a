package p2p

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/contentmesh/go-mesh/engine"
)

// ErrNoKnownPeers is returned by Bootstrap when the routing table is empty.
var ErrNoKnownPeers = errors.New("discovery: no known peers")

// Discovery tracks connected peers and keeps the DHT routing table
// populated.
type Discovery struct {
	eventQueue[engine.DiscoveryEvent]

	host    host.Host
	dht     *dht.IpfsDHT
	metrics *discoveryMetrics

	peerLk sync.RWMutex
	// trackedPeers contains currently connected remote peers.
	trackedPeers map[peer.ID]struct{}

	// an optional store used to remember good peers across restarts
	pidstore PeerIDStore

	queries atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	// done is closed once track() exits.
	done chan struct{}
}

var _ engine.Discovery = (*Discovery)(nil)

func NewDiscovery(h host.Host, kad *dht.IpfsDHT, pidstore PeerIDStore, waker *engine.Waker) *Discovery {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Discovery{
		host:         h,
		dht:          kad,
		trackedPeers: make(map[peer.ID]struct{}),
		pidstore:     pidstore,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	d.waker = waker
	return d
}

// InitMetrics enables metrics collection.
func (d *Discovery) InitMetrics() (err error) {
	d.metrics, err = newDiscoveryMetrics()
	return err
}

// Start subscribes to connection changes and dials the given peers along
// with any peers remembered by the PeerIDStore.
func (d *Discovery) Start(_ context.Context, bootstrappers []peer.AddrInfo) error {
	sub, err := d.host.EventBus().Subscribe(&event.EvtPeerConnectednessChanged{})
	if err != nil {
		return err
	}
	go d.track(sub)

	for _, c := range d.host.Network().Conns() {
		d.connected(c.RemotePeer())
	}

	known := bootstrappers
	if d.pidstore != nil {
		prevSeen, err := d.pidstore.Load(d.ctx)
		if err != nil {
			log.Warnw("loading previously seen peers", "err", err)
		}
		known = append(known, prevSeen...)
	}
	for _, ai := range known {
		d.host.Peerstore().AddAddrs(ai.ID, ai.Addrs, peerstore.PermanentAddrTTL)
		go d.connectToPeer(ai.ID)
	}
	return nil
}

// Stop waits until tracking finishes and dumps the tracked peers.
func (d *Discovery) Stop(ctx context.Context) error {
	d.cancel()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.dumpPeers(ctx)
	return d.metrics.Close()
}

// Bootstrap refreshes the routing table in the background. It fails fast when
// there is nobody to ask.
func (d *Discovery) Bootstrap() (engine.QueryID, error) {
	if d.dht.RoutingTable().Size() == 0 && len(d.Peers()) == 0 {
		return 0, ErrNoKnownPeers
	}

	id := engine.QueryID(d.queries.Add(1))
	go func() {
		select {
		case err := <-d.dht.ForceRefresh():
			if err != nil {
				log.Warnw("bootstrap", "query", id, "err", err)
				return
			}
			log.Debugw("bootstrap finished", "query", id, "table_size", d.dht.RoutingTable().Size())
		case <-d.ctx.Done():
		}
	}()
	return id, nil
}

// AddAddress records the address and offers the peer to the routing table.
func (d *Discovery) AddAddress(p peer.ID, addr ma.Multiaddr) {
	d.host.Peerstore().AddAddr(p, addr, peerstore.AddressTTL)
	if _, err := d.dht.RoutingTable().TryAddPeer(p, true, false); err != nil {
		log.Debugw("adding peer to routing table", "peer", p, "err", err)
	}
}

// Peers returns the currently connected peers.
func (d *Discovery) Peers() []peer.ID {
	d.peerLk.RLock()
	defer d.peerLk.RUnlock()

	peers := make([]peer.ID, 0, len(d.trackedPeers))
	for p := range d.trackedPeers {
		peers = append(peers, p)
	}
	return peers
}

func (d *Discovery) track(sub event.Subscription) {
	defer close(d.done)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Errorw("closing subscription", "err", err)
		}
	}()

	for {
		select {
		case <-d.ctx.Done():
			return
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			ev := e.(event.EvtPeerConnectednessChanged)
			switch ev.Connectedness {
			case network.Connected, network.Limited:
				d.connected(ev.Peer)
			case network.NotConnected:
				d.disconnected(ev.Peer)
			}
		}
	}
}

func (d *Discovery) connectToPeer(p peer.ID) {
	err := d.host.Connect(d.ctx, d.host.Peerstore().PeerInfo(p))
	if err != nil {
		log.Debugw("failed to connect to peer", "id", p.String(), "err", err)
	}
}

func (d *Discovery) connected(p peer.ID) {
	if err := p.Validate(); err != nil || p == d.host.ID() {
		return
	}

	d.peerLk.Lock()
	if _, ok := d.trackedPeers[p]; ok {
		d.peerLk.Unlock()
		return
	}
	d.trackedPeers[p] = struct{}{}
	d.peerLk.Unlock()

	log.Debugw("connected to peer", "id", p.String())
	d.metrics.peersTracked(1)
	d.push(engine.DiscoveryEvent{Kind: engine.DiscoveryConnected, Peer: p})
}

func (d *Discovery) disconnected(p peer.ID) {
	d.peerLk.Lock()
	if _, ok := d.trackedPeers[p]; !ok {
		d.peerLk.Unlock()
		return
	}
	delete(d.trackedPeers, p)
	d.peerLk.Unlock()

	d.metrics.peersTracked(-1)
	d.metrics.peersDisconnected(1)
	d.push(engine.DiscoveryEvent{Kind: engine.DiscoveryDisconnected, Peer: p})
}

// dumpPeers stores tracked peers to the PeerIDStore if present.
func (d *Discovery) dumpPeers(ctx context.Context) {
	if d.pidstore == nil {
		return
	}

	peers := d.Peers()
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	err := d.pidstore.Put(ctx, peers)
	if err != nil {
		log.Errorw("failed to dump tracked peers to PeerIDStore", "err", err)
		return
	}
	log.Debugw("dumped peers to PeerIDStore", "amount", len(peers))
}

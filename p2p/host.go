package p2p

import (
	"fmt"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/net/conngater"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/protocol/holepunch"

	mesh "github.com/contentmesh/go-mesh"
)

const (
	// autoNATThrottle is the period over which AutoNAT dial-backs are rate
	// limited.
	autoNATThrottle     = time.Second * 30
	autoNATGlobalLimit  = 30
	autoNATPerPeerLimit = 3
	connGracePeriod     = time.Minute
)

// NewHost builds the libp2p host for the given parameters. The returned
// gater shares the parameters' datastore, so blocked peers survive restarts.
// hp is installed as the hole punching tracer and may be nil when hole
// punching is disabled.
func NewHost(params Parameters, hp *HolePunch) (host.Host, *conngater.BasicConnectionGater, error) {
	ds := params.Datastore
	if ds == nil {
		ds = dssync.MutexWrap(datastore.NewMapDatastore())
	}

	gater, err := conngater.NewBasicConnectionGater(ds)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection gater: %w", err)
	}
	cm, err := connmgr.NewConnManager(
		params.ConnLowWater,
		params.ConnHighWater,
		connmgr.WithGracePeriod(connGracePeriod),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(params.ListenAddrs...),
		libp2p.UserAgent(mesh.AgentVersion()),
		libp2p.ProtocolVersion(mesh.ProtocolVersion(params.NetworkID)),
		libp2p.ConnectionManager(cm),
		libp2p.ConnectionGater(gater),
	}
	if params.PrivKey != nil {
		opts = append(opts, libp2p.Identity(params.PrivKey))
	}
	if params.EnableAutoNAT {
		opts = append(opts,
			libp2p.EnableNATService(),
			libp2p.AutoNATServiceRateLimit(autoNATGlobalLimit, autoNATPerPeerLimit, autoNATThrottle),
		)
	}
	if params.EnableRelayClient {
		opts = append(opts, libp2p.EnableRelay())
	} else {
		opts = append(opts, libp2p.DisableRelay())
	}
	if params.EnableHolePunching {
		if hp == nil {
			return nil, nil, fmt.Errorf("hole punching enabled without a tracer")
		}
		opts = append(opts, libp2p.EnableHolePunching(holepunch.WithTracer(hp)))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	log.Infow("host started", "id", h.ID(), "addrs", h.Addrs(), "agent", mesh.AgentVersion())
	return h, gater, nil
}

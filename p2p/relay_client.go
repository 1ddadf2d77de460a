package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"

	"github.com/contentmesh/go-mesh/engine"
)

// RelayClient keeps reservations on static relays so the node stays
// reachable through them while behind NAT.
type RelayClient struct {
	eventQueue[engine.RelayClientEvent]

	host   host.Host
	relays []peer.AddrInfo

	rsvpLk       sync.Mutex
	reservations map[peer.ID]*client.Reservation

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ engine.RelayClient = (*RelayClient)(nil)

func NewRelayClient(h host.Host, waker *engine.Waker, relays []peer.AddrInfo) *RelayClient {
	rc := &RelayClient{
		host:         h,
		relays:       relays,
		reservations: make(map[peer.ID]*client.Reservation),
	}
	rc.waker = waker
	return rc
}

func (rc *RelayClient) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	for _, relay := range rc.relays {
		rc.wg.Add(1)
		go func(relay peer.AddrInfo) {
			defer rc.wg.Done()
			rc.keep(ctx, relay)
		}(relay)
	}
	return nil
}

func (rc *RelayClient) Stop(ctx context.Context) error {
	rc.cancel()
	done := make(chan struct{})
	go func() {
		rc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reserve makes or renews a reservation on the relay.
func (rc *RelayClient) Reserve(ctx context.Context, relay peer.AddrInfo) (*client.Reservation, error) {
	if err := rc.host.Connect(ctx, relay); err != nil {
		rc.push(engine.RelayClientEvent{Kind: engine.RelayReservationFailed, Relay: relay.ID, Err: err})
		return nil, err
	}

	rsvp, err := client.Reserve(ctx, rc.host, relay)
	if err != nil {
		rc.push(engine.RelayClientEvent{Kind: engine.RelayReservationFailed, Relay: relay.ID, Err: err})
		return nil, err
	}

	rc.rsvpLk.Lock()
	_, renewal := rc.reservations[relay.ID]
	rc.reservations[relay.ID] = rsvp
	rc.rsvpLk.Unlock()

	rc.push(engine.RelayClientEvent{Kind: engine.RelayReservationAccepted, Relay: relay.ID, Renewal: renewal})
	return rsvp, nil
}

// minRenewWait bounds how often a reservation that is about to expire is
// renewed.
const minRenewWait = time.Second * 10

// renewAfter returns how long to wait before renewing a reservation that
// expires in ttl.
func renewAfter(ttl time.Duration) time.Duration {
	return max(ttl*3/4, minRenewWait)
}

// keep renews the reservation shortly before it expires and retries
// failures with a fixed backoff.
func (rc *RelayClient) keep(ctx context.Context, relay peer.AddrInfo) {
	const retry = time.Minute
	for {
		wait := retry
		rsvp, err := rc.Reserve(ctx, relay)
		if err == nil {
			wait = renewAfter(time.Until(rsvp.Expiration))
		} else {
			log.Debugw("relay reservation failed", "relay", relay.ID, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

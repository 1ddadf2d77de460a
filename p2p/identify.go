package p2p

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/contentmesh/go-mesh/engine"
)

// Identify reports identification results of remote peers as observed on
// the host event bus.
type Identify struct {
	eventQueue[engine.IdentifyEvent]

	host   host.Host
	sub    event.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

var _ engine.Identify = (*Identify)(nil)

func NewIdentify(h host.Host, waker *engine.Waker) *Identify {
	id := &Identify{host: h, done: make(chan struct{})}
	id.waker = waker
	return id
}

// Start subscribes to the event bus. Identification of connections
// established before Start is not reported.
func (id *Identify) Start(context.Context) error {
	sub, err := id.host.EventBus().Subscribe([]any{
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtPeerIdentificationFailed),
	})
	if err != nil {
		return err
	}
	id.sub = sub

	ctx, cancel := context.WithCancel(context.Background())
	id.cancel = cancel
	go id.track(ctx)
	return nil
}

func (id *Identify) Stop(ctx context.Context) error {
	id.cancel()
	select {
	case <-id.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return id.sub.Close()
}

func (id *Identify) track(ctx context.Context) {
	defer close(id.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-id.sub.Out():
			if !ok {
				return
			}
			switch ev := e.(type) {
			case event.EvtPeerIdentificationCompleted:
				id.push(engine.IdentifyEvent{
					Kind: engine.IdentifyReceived,
					Peer: ev.Peer,
					Info: engine.IdentifyInfo{
						ProtocolVersion: ev.ProtocolVersion,
						AgentVersion:    ev.AgentVersion,
						Protocols:       ev.Protocols,
						ListenAddrs:     ev.ListenAddrs,
					},
				})
			case event.EvtPeerIdentificationFailed:
				reason := ev.Reason
				if reason == nil {
					reason = errors.New("identification failed")
				}
				id.push(engine.IdentifyEvent{Kind: engine.IdentifyFailed, Peer: ev.Peer, Err: reason})
			}
		}
	}
}

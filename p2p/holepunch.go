package p2p

import (
	"errors"

	"github.com/libp2p/go-libp2p/p2p/protocol/holepunch"

	"github.com/contentmesh/go-mesh/engine"
)

// HolePunch reports direct connection upgrade attempts. It is installed into
// the host as the hole punching tracer, so it must exist before the host.
type HolePunch struct {
	eventQueue[engine.HolePunchEvent]
}

var (
	_ engine.HolePuncher    = (*HolePunch)(nil)
	_ holepunch.EventTracer = (*HolePunch)(nil)
)

func NewHolePunch(waker *engine.Waker) *HolePunch {
	hp := new(HolePunch)
	hp.waker = waker
	return hp
}

// Trace implements holepunch.EventTracer.
func (hp *HolePunch) Trace(evt *holepunch.Event) {
	ev := engine.HolePunchEvent{Peer: evt.Remote, Type: evt.Type}
	switch e := evt.Evt.(type) {
	case *holepunch.EndHolePunchEvt:
		ev.Success = e.Success
		if e.Error != "" {
			ev.Err = errors.New(e.Error)
		}
	case *holepunch.ProtocolErrorEvt:
		ev.Err = errors.New(e.Error)
	case *holepunch.DirectDialEvt:
		ev.Success = e.Success
		if e.Error != "" {
			ev.Err = errors.New(e.Error)
		}
	default:
	}
	hp.push(ev)
}

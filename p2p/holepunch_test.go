package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/p2p/protocol/holepunch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentmesh/go-mesh/engine"
	"github.com/contentmesh/go-mesh/meshtest"
)

func TestHolePunch_Trace(t *testing.T) {
	waker := engine.NewWaker()
	hp := NewHolePunch(waker)
	remote := meshtest.RandPeerID(t)

	hp.Trace(&holepunch.Event{
		Remote: remote,
		Type:   holepunch.EndHolePunchEvtT,
		Evt:    &holepunch.EndHolePunchEvt{Success: false, Error: "no direct addrs"},
	})
	<-waker.C()

	ev, ok := hp.Poll()
	require.True(t, ok)
	assert.Equal(t, remote, ev.Peer)
	assert.Equal(t, holepunch.EndHolePunchEvtT, ev.Type)
	assert.False(t, ev.Success)
	assert.EqualError(t, ev.Err, "no direct addrs")

	_, ok = hp.Poll()
	assert.False(t, ok)
}

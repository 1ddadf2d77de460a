package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/celestiaorg/go-libp2p-messenger/serde"
	"github.com/libp2p/go-libp2p/core/network"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
	"github.com/contentmesh/go-mesh/meshtest"
)

var testProtocol = mesh.ExchangeProtocolID("test")

func newRPCPair(t *testing.T, timeout time.Duration) (client, server *RPC, cw, sw *engine.Waker) {
	t.Helper()
	net, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := net.Hosts()

	cw, sw = engine.NewWaker(), engine.NewWaker()
	client = NewRPC(hosts[0], testProtocol, timeout, cw)
	server = NewRPC(hosts[1], testProtocol, timeout, sw)
	require.NoError(t, client.Start(context.Background()))
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		_ = client.Stop(context.Background())
		_ = server.Stop(context.Background())
	})
	return client, server, cw, sw
}

func TestRPC_RoundTrip(t *testing.T) {
	client, server, cw, sw := newRPCPair(t, time.Second*5)
	data := meshtest.RandBytes(64)
	id, err := meshtest.RawCID(data)
	require.NoError(t, err)

	rid := client.SendRequest(server.host.ID(), mesh.Request{Type: mesh.RequestContent, CID: id})

	in := nextEvent(t, sw, server.Poll, nil)
	require.Equal(t, engine.RPCInboundRequest, in.Kind)
	assert.Equal(t, client.host.ID(), in.Peer)
	assert.True(t, in.Request.CID.Equals(id))

	resp := mesh.Response{Status: mesh.StatusOK, CID: id, Data: data}
	require.NoError(t, in.Channel.Send(resp))
	assert.ErrorIs(t, in.Channel.Send(resp), mesh.ErrAlreadyCompleted)

	sent := nextEvent(t, sw, server.Poll, nil)
	assert.Equal(t, engine.RPCResponseSent, sent.Kind)
	assert.Equal(t, in.ID, sent.ID)

	out := nextEvent(t, cw, client.Poll, nil)
	require.Equal(t, engine.RPCResponse, out.Kind)
	assert.Equal(t, rid, out.ID)
	assert.Equal(t, mesh.StatusOK, out.Response.Status)
	assert.Equal(t, data, out.Response.Data)
}

func TestRPC_NotFound(t *testing.T) {
	client, server, cw, sw := newRPCPair(t, time.Second*5)
	id := meshtest.RandCID(t)

	client.SendRequest(server.host.ID(), mesh.Request{Type: mesh.RequestContent, CID: id})
	in := nextEvent(t, sw, server.Poll, nil)
	require.NoError(t, in.Channel.Send(mesh.Response{Status: mesh.StatusNotFound, CID: id}))

	out := nextEvent(t, cw, client.Poll, nil)
	require.Equal(t, engine.RPCResponse, out.Kind)
	assert.Equal(t, mesh.StatusNotFound, out.Response.Status)
	assert.Empty(t, out.Response.Data)
}

func TestRPC_Timeout(t *testing.T) {
	client, server, cw, sw := newRPCPair(t, time.Millisecond*200)
	id := meshtest.RandCID(t)

	rid := client.SendRequest(server.host.ID(), mesh.Request{Type: mesh.RequestContent, CID: id})

	// the server never answers
	in := nextEvent(t, sw, server.Poll, nil)
	require.Equal(t, engine.RPCInboundRequest, in.Kind)

	out := nextEvent(t, cw, client.Poll, nil)
	require.Equal(t, engine.RPCOutboundFailure, out.Kind)
	assert.Equal(t, rid, out.ID)
	assert.Equal(t, mesh.FailureTimeout, out.Failure)
	assert.ErrorIs(t, out.Err, mesh.ErrTimeout)

	expired := nextEvent(t, sw, server.Poll, nil)
	assert.Equal(t, engine.RPCInboundFailure, expired.Kind)
	assert.Equal(t, mesh.FailureTimeout, expired.Failure)
	assert.ErrorIs(t, in.Channel.Send(mesh.Response{Status: mesh.StatusOK}), mesh.ErrAlreadyCompleted)
}

func TestRPC_UnsupportedProtocol(t *testing.T) {
	net, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := net.Hosts()

	cw := engine.NewWaker()
	client := NewRPC(hosts[0], testProtocol, time.Second*5, cw)
	t.Cleanup(func() { _ = client.Stop(context.Background()) })

	client.SendRequest(hosts[1].ID(), mesh.Request{Type: mesh.RequestContent, CID: meshtest.RandCID(t)})
	out := nextEvent(t, cw, client.Poll, nil)
	require.Equal(t, engine.RPCOutboundFailure, out.Kind)
	assert.Equal(t, mesh.FailureUnsupportedProtocol, out.Failure)
}

func TestRPC_MalformedRequest(t *testing.T) {
	net, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := net.Hosts()

	sw := engine.NewWaker()
	server := NewRPC(hosts[1], testProtocol, time.Second*5, sw)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	stream, err := hosts[0].NewStream(context.Background(), hosts[1].ID(), testProtocol)
	require.NoError(t, err)
	_, err = serde.Write(stream, &garbage{})
	require.NoError(t, err)
	require.NoError(t, stream.CloseWrite())

	ev := nextEvent(t, sw, server.Poll, nil)
	assert.Equal(t, engine.RPCInboundFailure, ev.Kind)
	assert.Equal(t, mesh.FailureOther, ev.Failure)
}

func TestClassifyFailure(t *testing.T) {
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	t.Cleanup(cancel)

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want mesh.FailureKind
	}{
		{"deadline", expired, network.ErrReset, mesh.FailureTimeout},
		{"dial", context.Background(), &streamError{op: "open", err: errors.New("no addresses")}, mesh.FailureDial},
		{"reset", context.Background(), &streamError{op: "read", err: network.ErrReset}, mesh.FailureConnectionClosed},
		{"other", context.Background(), &streamError{op: "read", err: errors.New("boom")}, mesh.FailureOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyFailure(tt.ctx, tt.err))
		})
	}
}

// garbage is a serde message whose payload is not a valid Request.
type garbage struct{}

func (garbage) Size() int { return 2 }

func (garbage) MarshalTo(buf []byte) (int, error) {
	buf[0], buf[1] = 0xff, 0xff
	return 2, nil
}

func (*garbage) Unmarshal([]byte) error { return nil }

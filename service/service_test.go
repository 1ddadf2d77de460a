package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
	"github.com/contentmesh/go-mesh/local"
	"github.com/contentmesh/go-mesh/meshtest"
)

type announcer struct {
	lk    sync.Mutex
	addrs []ma.Multiaddr
}

func (a *announcer) Announce(_ context.Context, addr ma.Multiaddr) error {
	a.lk.Lock()
	defer a.lk.Unlock()
	a.addrs = append(a.addrs, addr)
	return nil
}

func (a *announcer) announced() []ma.Multiaddr {
	a.lk.Lock()
	defer a.lk.Unlock()
	return append([]ma.Multiaddr(nil), a.addrs...)
}

type testService struct {
	*Service
	fakes     *meshtest.Fakes
	store     *meshtest.Store
	announcer *announcer
}

func newTestService(t *testing.T, opts ...Option) *testService {
	t.Helper()
	waker := engine.NewWaker()
	fakes := meshtest.NewFakes(waker)
	e, err := engine.New(fakes.Protocols())
	require.NoError(t, err)

	store := meshtest.NewStore()
	ann := new(announcer)
	opts = append([]Option{WithPollInterval(time.Millisecond * 50)}, opts...)
	s, err := New(e, waker, store, ann, opts...)
	require.NoError(t, err)
	return &testService{Service: s, fakes: fakes, store: store, announcer: ann}
}

func (ts *testService) start(t *testing.T) {
	t.Helper()
	require.NoError(t, ts.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, ts.Stop(context.Background()))
	})
}

func nextEvent(t *testing.T, s *Service) engine.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second * 5):
		t.Fatal("no event")
		return nil
	}
}

func TestService_StartSubscribesAndBootstraps(t *testing.T) {
	ts := newTestService(t, WithTopics("blocks", "ads"))
	ts.start(t)

	assert.True(t, ts.fakes.PubSub.Subscribed("blocks"))
	assert.True(t, ts.fakes.PubSub.Subscribed("ads"))
	assert.Equal(t, 1, ts.fakes.Discovery.Bootstraps())
}

func TestService_StartWithoutKnownPeers(t *testing.T) {
	ts := newTestService(t)
	ts.fakes.Discovery.BootstrapErr = errors.New("no known peers")
	ts.start(t)

	ok, err := ts.Subscribe(context.Background(), "late")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_AnswersRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	ts := newTestService(t)
	ts.start(t)

	data := meshtest.RandBytes(32)
	stored, err := ts.store.Put(ctx, data)
	require.NoError(t, err)
	from := meshtest.RandPeerID(t)

	tests := []struct {
		name   string
		req    mesh.Request
		status mesh.StatusCode
		data   []byte
	}{
		{"found", mesh.Request{Type: mesh.RequestContent, CID: stored}, mesh.StatusOK, data},
		{"not found", mesh.Request{Type: mesh.RequestContent, CID: meshtest.RandCID(t)}, mesh.StatusNotFound, nil},
		{"invalid", mesh.Request{CID: stored}, mesh.StatusInvalid, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := ts.fakes.RPC.Inbound(from, tt.req)
			resp, err := ch.Await(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.data, resp.Data)
		})
	}
}

func TestService_ForwardsOtherRequestTypes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	ts := newTestService(t)
	ts.start(t)

	from := meshtest.RandPeerID(t)
	custom := mesh.Request{Type: mesh.RequestType(7), CID: meshtest.RandCID(t)}
	ch := ts.fakes.RPC.Inbound(from, custom)

	msg, ok := nextEvent(t, ts.Service).(engine.RequestMessage)
	require.True(t, ok)
	assert.Equal(t, from, msg.Peer)
	assert.Equal(t, custom.Type, msg.Request.Type)

	// the consumer answers through the channel it was handed
	want := mesh.Response{Status: mesh.StatusOK, CID: custom.CID, Data: []byte("custom")}
	require.NoError(t, msg.Channel.Send(want))
	resp, err := ch.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, resp)
}

func TestService_Request(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	ts := newTestService(t)
	ts.start(t)

	to := meshtest.RandPeerID(t)
	req := mesh.Request{Type: mesh.RequestContent, CID: meshtest.RandCID(t)}

	type reply struct {
		resp mesh.Response
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := ts.Request(ctx, to, req)
		done <- reply{resp, err}
	}()

	require.Eventually(t, func() bool {
		return len(ts.fakes.RPC.Sent()) == 1
	}, time.Second, time.Millisecond*10)
	sent := ts.fakes.RPC.Sent()[0]
	assert.Equal(t, to, sent.Peer)

	ts.fakes.RPC.Respond(sent.ID, mesh.Response{Status: mesh.StatusOK, CID: req.CID, Data: []byte("ok")})
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, []byte("ok"), r.resp.Data)

	// invalid requests are refused before anything is sent
	_, err := ts.Request(ctx, to, mesh.Request{})
	assert.Error(t, err)
	assert.Len(t, ts.fakes.RPC.Sent(), 1)
}

func TestService_RequestTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	ts := newTestService(t)
	ts.start(t)

	to := meshtest.RandPeerID(t)
	promise := mesh.NewPromise[mesh.Response]()
	id, err := ts.SendRequest(ctx, to, mesh.Request{Type: mesh.RequestContent, CID: meshtest.RandCID(t)}, promise)
	require.NoError(t, err)

	ts.fakes.RPC.Fail(id, mesh.FailureTimeout, mesh.ErrTimeout)
	_, err = promise.Await(ctx)
	var reqErr *mesh.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, mesh.FailureTimeout, reqErr.Kind)
	assert.ErrorIs(t, err, mesh.ErrTimeout)
}

func TestService_FetchBlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	ts := newTestService(t)
	ts.start(t)

	data := meshtest.RandBytes(64)
	id, err := meshtest.RawCID(data)
	require.NoError(t, err)
	provider := meshtest.RandPeerID(t)

	type fetched struct {
		data []byte
		err  error
	}
	done := make(chan fetched, 1)
	go func() {
		data, err := ts.FetchBlock(ctx, id, []peer.ID{provider}, false)
		done <- fetched{data, err}
	}()

	require.Eventually(t, func() bool {
		return len(ts.fakes.Blocks.Requests()) == 1
	}, time.Second, time.Millisecond*10)
	req := ts.fakes.Blocks.Requests()[0]
	assert.Equal(t, []peer.ID{provider}, req.Providers)
	assert.False(t, req.Recursive)

	// the exchange writes into the store before reporting completion
	ts.store.PutBlock(id, data)
	ts.fakes.Blocks.Complete(req.ID, nil)

	f := <-done
	require.NoError(t, f.err)
	assert.Equal(t, data, f.data)

	// the outcome is still observable
	ev := nextEvent(t, ts.Service)
	outcome, ok := ev.(engine.BlockExchangeOutcome)
	require.True(t, ok)
	assert.True(t, outcome.Found)

	// stored blocks are served without a query
	got, err := ts.FetchBlock(ctx, id, nil, false)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Len(t, ts.fakes.Blocks.Requests(), 1)
}

func TestService_FetchBlockNotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	ts := newTestService(t)
	ts.start(t)

	missing := meshtest.RandCID(t)
	done := make(chan error, 1)
	go func() {
		_, err := ts.FetchBlock(ctx, missing, nil, true)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(ts.fakes.Blocks.Requests()) == 1
	}, time.Second, time.Millisecond*10)
	req := ts.fakes.Blocks.Requests()[0]
	assert.True(t, req.Recursive)
	ts.fakes.Blocks.Complete(req.ID, errors.New("no providers"))

	assert.ErrorIs(t, <-done, mesh.ErrNotFound)
}

func TestService_FetchBlockCancelled(t *testing.T) {
	ts := newTestService(t)
	ts.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	missing := meshtest.RandCID(t)
	done := make(chan error, 1)
	go func() {
		_, err := ts.FetchBlock(ctx, missing, nil, false)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(ts.fakes.Blocks.Requests()) == 1
	}, time.Second, time.Millisecond*10)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool {
		return len(ts.fakes.Blocks.Cancelled()) == 1
	}, time.Second, time.Millisecond*10)
}

func TestService_FetchBlockFromLocalExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	waker := engine.NewWaker()
	store := meshtest.NewStore()
	protos := meshtest.NewFakes(waker).Protocols()
	protos.Blocks = local.NewExchange(store, waker)
	e, err := engine.New(protos)
	require.NoError(t, err)

	s, err := New(e, waker, store, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, s.Stop(context.Background()))
	})

	data := meshtest.RandBytes(128)
	id, err := store.Put(ctx, data)
	require.NoError(t, err)

	got, err := s.FetchBlock(ctx, id, nil, true)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = s.FetchBlock(ctx, meshtest.RandCID(t), nil, false)
	assert.ErrorIs(t, err, mesh.ErrNotFound)
}

func TestService_ForwardsEvents(t *testing.T) {
	ts := newTestService(t)
	ts.start(t)

	p := meshtest.RandPeerID(t)
	ts.fakes.Discovery.Connect(p)
	ts.fakes.PubSub.Deliver(p, "blocks", []byte("gossip"))

	// both sub-protocols may be ready in the same poll round
	var (
		connected engine.PeerConnected
		msg       engine.GossipMessage
	)
	for range 2 {
		switch ev := nextEvent(t, ts.Service).(type) {
		case engine.PeerConnected:
			connected = ev
		case engine.GossipMessage:
			msg = ev
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}
	assert.Equal(t, p, connected.Peer)
	assert.Equal(t, "blocks", msg.Topic)
	assert.Equal(t, []byte("gossip"), msg.Data)

	peers, err := ts.Peers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []peer.ID{p}, peers)
}

func TestService_AdvertisesPublicAddress(t *testing.T) {
	ts := newTestService(t)
	ts.start(t)

	addr := meshtest.Multiaddr(t, "/ip4/1.2.3.4/tcp/6009")
	ts.fakes.NAT.SetStatus(network.ReachabilityPublic, addr)

	changed, ok := nextEvent(t, ts.Service).(engine.NatStatusChanged)
	require.True(t, ok)
	assert.Equal(t, network.ReachabilityPublic, changed.New)

	publish, ok := nextEvent(t, ts.Service).(engine.StartPublish)
	require.True(t, ok)
	assert.True(t, addr.Equal(publish.Address))
	require.Eventually(t, func() bool {
		return len(ts.announcer.announced()) == 1
	}, time.Second, time.Millisecond*10)

	got, ok, err := ts.PublicAddress(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, addr.Equal(got))
}

func TestService_Stopped(t *testing.T) {
	ts := newTestService(t)
	require.NoError(t, ts.Start(context.Background()))
	require.NoError(t, ts.Stop(context.Background()))

	_, err := ts.Publish(context.Background(), "blocks", []byte("late"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestParametersValidate(t *testing.T) {
	params := DefaultParameters()
	require.NoError(t, params.Validate())

	params.PollInterval = 0
	assert.Error(t, params.Validate())

	params = DefaultParameters()
	params.Topics = []string{""}
	assert.Error(t, params.Validate())
}

package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/celestiaorg/go-libp2p-messenger/serde"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multistream"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
)

var log = logging.Logger("mesh/p2p")

// RPC implements the generic request/response protocol: one Request and one
// Response per stream, both length-prefixed.
type RPC struct {
	eventQueue[engine.RPCEvent]

	protocolID protocol.ID
	host       host.Host
	timeout    time.Duration

	// ids are shared by both directions so they never collide
	ids atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	metrics *rpcMetrics
}

var _ engine.RequestResponse = (*RPC)(nil)

func NewRPC(h host.Host, protocolID protocol.ID, timeout time.Duration, waker *engine.Waker) *RPC {
	ctx, cancel := context.WithCancel(context.Background())
	r := &RPC{
		protocolID: protocolID,
		host:       h,
		timeout:    timeout,
		ctx:        ctx,
		cancel:     cancel,
	}
	r.waker = waker
	return r
}

// InitMetrics enables metrics collection.
func (r *RPC) InitMetrics() (err error) {
	r.metrics, err = newRPCMetrics()
	return err
}

func (r *RPC) Start(context.Context) error {
	log.Infow("rpc: serving", "protocol ID", r.protocolID)
	r.host.SetStreamHandler(r.protocolID, r.handleStream)
	return nil
}

func (r *RPC) Stop(context.Context) error {
	r.host.RemoveStreamHandler(r.protocolID)
	r.cancel()
	return nil
}

func (r *RPC) AddAddress(p peer.ID, addr ma.Multiaddr) {
	r.host.Peerstore().AddAddr(p, addr, peerstore.AddressTTL)
}

// SendRequest sends req to p in the background. The outcome is reported as
// either an RPCResponse or an RPCOutboundFailure event carrying the returned
// id.
func (r *RPC) SendRequest(p peer.ID, req mesh.Request) engine.RequestID {
	id := engine.RequestID(r.ids.Add(1))
	go r.request(id, p, req)
	return id
}

func (r *RPC) request(id engine.RequestID, to peer.ID, req mesh.Request) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	log.Debugw("requesting peer", "peer", to, "id", id)
	start := time.Now()
	resp, err := r.exchange(ctx, to, &req)
	if err != nil {
		kind := classifyFailure(ctx, err)
		if kind == mesh.FailureTimeout {
			err = fmt.Errorf("%w: %w", mesh.ErrTimeout, err)
		}
		r.metrics.request(ctx, time.Since(start), 0, kind.String())
		log.Debugw("err sending request", "peer", to, "id", id, "failure", kind, "err", err)
		r.push(engine.RPCEvent{
			Kind:    engine.RPCOutboundFailure,
			Peer:    to,
			ID:      id,
			Failure: kind,
			Err:     err,
		})
		return
	}

	r.metrics.request(ctx, time.Since(start), len(resp.Data), "")
	r.push(engine.RPCEvent{
		Kind:     engine.RPCResponse,
		Peer:     to,
		ID:       id,
		Response: *resp,
	})
}

func (r *RPC) exchange(ctx context.Context, to peer.ID, req *mesh.Request) (*mesh.Response, error) {
	stream, err := r.host.NewStream(ctx, to, r.protocolID)
	if err != nil {
		return nil, &streamError{op: "open", err: err}
	}
	// mocknet streams ignore deadlines, so the context bounds the exchange
	stop := context.AfterFunc(ctx, func() { _ = stream.Reset() })
	defer stop()

	if _, err = serde.Write(stream, req); err != nil {
		_ = stream.Reset()
		return nil, &streamError{op: "write", err: err}
	}
	if err = stream.CloseWrite(); err != nil {
		log.Debugw("closing write side of stream", "err", err)
	}

	resp := new(mesh.Response)
	if _, err = serde.Read(stream, resp); err != nil {
		_ = stream.Reset()
		return nil, &streamError{op: "read", err: err}
	}
	if err = stream.Close(); err != nil {
		log.Debugw("closing stream", "err", err)
	}
	return resp, nil
}

func (r *RPC) handleStream(stream network.Stream) {
	from := stream.Conn().RemotePeer()
	id := engine.RequestID(r.ids.Add(1))

	req := new(mesh.Request)
	if _, err := serde.Read(stream, req); err != nil {
		log.Debugw("server: reading request", "peer", from, "err", err)
		_ = stream.Reset()
		r.push(engine.RPCEvent{
			Kind:    engine.RPCInboundFailure,
			Peer:    from,
			ID:      id,
			Failure: mesh.FailureOther,
			Err:     err,
		})
		return
	}
	if err := stream.CloseRead(); err != nil {
		log.Debugw("server: closing read side of stream", "err", err)
	}

	ch := &responseChannel{rpc: r, stream: stream, peer: from, id: id}
	ch.expire = time.AfterFunc(r.timeout, ch.timedOut)

	r.push(engine.RPCEvent{
		Kind:    engine.RPCInboundRequest,
		Peer:    from,
		ID:      id,
		Request: *req,
		Channel: ch,
	})
}

// responseChannel answers a single inbound request. Whichever of Send and
// the expiry timer claims it first wins.
type responseChannel struct {
	rpc    *RPC
	stream network.Stream
	peer   peer.ID
	id     engine.RequestID
	expire *time.Timer
	used   atomic.Bool
}

var _ engine.ResponseChannel = (*responseChannel)(nil)

func (c *responseChannel) Send(resp mesh.Response) error {
	if !c.used.CompareAndSwap(false, true) {
		return mesh.ErrAlreadyCompleted
	}
	c.expire.Stop()

	_, err := serde.Write(c.stream, &resp)
	if err != nil {
		_ = c.stream.Reset()
		c.rpc.push(engine.RPCEvent{
			Kind:    engine.RPCInboundFailure,
			Peer:    c.peer,
			ID:      c.id,
			Failure: mesh.FailureConnectionClosed,
			Err:     err,
		})
		return fmt.Errorf("rpc: writing response: %w", err)
	}
	if err = c.stream.Close(); err != nil {
		log.Debugw("server: closing stream", "err", err)
	}

	c.rpc.metrics.served(c.rpc.ctx, resp.Status.String())
	c.rpc.push(engine.RPCEvent{Kind: engine.RPCResponseSent, Peer: c.peer, ID: c.id})
	return nil
}

func (c *responseChannel) timedOut() {
	if !c.used.CompareAndSwap(false, true) {
		return
	}
	_ = c.stream.Reset()
	c.rpc.push(engine.RPCEvent{
		Kind:    engine.RPCInboundFailure,
		Peer:    c.peer,
		ID:      c.id,
		Failure: mesh.FailureTimeout,
		Err:     mesh.ErrTimeout,
	})
}

// streamError records which step of an exchange failed.
type streamError struct {
	op  string
	err error
}

func (e *streamError) Error() string {
	return fmt.Sprintf("rpc: %s stream: %s", e.op, e.err)
}

func (e *streamError) Unwrap() error {
	return e.err
}

func classifyFailure(ctx context.Context, err error) mesh.FailureKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return mesh.FailureTimeout
	}

	var notSupported multistream.ErrNotSupported[protocol.ID]
	if errors.As(err, &notSupported) {
		return mesh.FailureUnsupportedProtocol
	}

	var serr *streamError
	if errors.As(err, &serr) && serr.op == "open" {
		return mesh.FailureDial
	}
	if errors.Is(err, network.ErrReset) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return mesh.FailureConnectionClosed
	}
	return mesh.FailureOther
}

package engine

import (
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"

	mesh "github.com/contentmesh/go-mesh"
)

// correlator pairs outbound requests with their eventual response or
// failure. Every registered Promise is completed exactly once.
type correlator struct {
	rpc     RequestResponse
	pending map[RequestID]*pendingRequest
}

type pendingRequest struct {
	peer    peer.ID
	promise *mesh.Promise[mesh.Response]
}

func newCorrelator(rpc RequestResponse) *correlator {
	return &correlator{
		rpc:     rpc,
		pending: make(map[RequestID]*pendingRequest),
	}
}

func (c *correlator) send(p peer.ID, req mesh.Request, promise *mesh.Promise[mesh.Response]) RequestID {
	id := c.rpc.SendRequest(p, req)
	if _, ok := c.pending[id]; ok {
		log.Errorw("request id reused while pending", "id", id, "peer", p)
	}
	c.pending[id] = &pendingRequest{peer: p, promise: promise}
	return id
}

// handle completes the Promise an outbound event belongs to. Inbound events
// are only logged.
func (c *correlator) handle(ev RPCEvent) {
	switch ev.Kind {
	case RPCResponse:
		req, ok := c.take(ev.ID)
		if !ok {
			return
		}
		c.deliver(ev.ID, req.promise.Resolve(ev.Response))
	case RPCOutboundFailure:
		req, ok := c.take(ev.ID)
		if !ok {
			return
		}
		log.Debugw("outbound request failed", "id", ev.ID, "peer", req.peer, "kind", ev.Failure, "err", ev.Err)
		c.deliver(ev.ID, req.promise.Reject(&mesh.RequestError{
			Peer:   req.peer,
			Kind:   ev.Failure,
			Reason: ev.Err,
		}))
	case RPCInboundFailure:
		log.Warnw("inbound request failed", "id", ev.ID, "peer", ev.Peer, "err", ev.Err)
	case RPCResponseSent:
		log.Debugw("response sent", "id", ev.ID, "peer", ev.Peer)
	}
}

func (c *correlator) take(id RequestID) (*pendingRequest, bool) {
	req, ok := c.pending[id]
	if !ok {
		log.Debugw("dropping event of unknown request", "id", id)
		return nil, false
	}
	delete(c.pending, id)
	return req, true
}

func (c *correlator) deliver(id RequestID, err error) {
	switch {
	case err == nil:
	case errors.Is(err, mesh.ErrAbandoned):
		log.Warnw("requester abandoned the response", "id", id)
	default:
		log.Errorw("delivering response", "id", id, "err", err)
	}
}

func (c *correlator) len() int {
	return len(c.pending)
}

package service

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
)

// exec runs fn on the loop goroutine and returns its result.
func exec[T any](ctx context.Context, s *Service, fn func(*engine.Engine) T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	cmd := func(e *engine.Engine) {
		reply <- fn(e)
	}

	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.ctx.Done():
		return zero, ErrStopped
	}

	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.ctx.Done():
		return zero, ErrStopped
	}
}

type result[T any] struct {
	val T
	err error
}

// execErr is exec for engine calls that fail.
func execErr[T any](ctx context.Context, s *Service, fn func(*engine.Engine) (T, error)) (T, error) {
	res, err := exec(ctx, s, func(e *engine.Engine) result[T] {
		v, err := fn(e)
		return result[T]{v, err}
	})
	if err != nil {
		return res.val, err
	}
	return res.val, res.err
}

// GetBlock starts fetching a block. The outcome arrives on Events.
func (s *Service) GetBlock(ctx context.Context, id cid.Cid, providers []peer.ID) (engine.QueryID, error) {
	return exec(ctx, s, func(e *engine.Engine) engine.QueryID {
		return e.GetBlock(id, providers)
	})
}

// SyncBlock starts fetching a block and its whole DAG. The outcome arrives on
// Events.
func (s *Service) SyncBlock(ctx context.Context, id cid.Cid, providers []peer.ID) (engine.QueryID, error) {
	return exec(ctx, s, func(e *engine.Engine) engine.QueryID {
		return e.SyncBlock(id, providers)
	})
}

// Cancel stops a block query.
func (s *Service) Cancel(ctx context.Context, id engine.QueryID) error {
	_, err := exec(ctx, s, func(e *engine.Engine) struct{} {
		delete(s.waiters, id)
		e.Cancel(id)
		return struct{}{}
	})
	return err
}

// FetchBlock fetches a block, or a whole DAG when recursive, and returns the
// root block's data once it is in the store. Cancelling ctx cancels the
// query.
func (s *Service) FetchBlock(
	ctx context.Context,
	id cid.Cid,
	providers []peer.ID,
	recursive bool,
) ([]byte, error) {
	if data, err := s.store.Get(ctx, id); err == nil && !recursive {
		return data, nil
	}

	found := make(chan bool, 1)
	qid, err := exec(ctx, s, func(e *engine.Engine) engine.QueryID {
		var qid engine.QueryID
		if recursive {
			qid = e.SyncBlock(id, providers)
		} else {
			qid = e.GetBlock(id, providers)
		}
		s.waiters[qid] = found
		return qid
	})
	if err != nil {
		return nil, err
	}

	select {
	case ok := <-found:
		if !ok {
			return nil, fmt.Errorf("fetching %s: %w", id, mesh.ErrNotFound)
		}
		return s.store.Get(ctx, id)
	case <-ctx.Done():
		// the loop may already be gone, so cancelling is best effort
		cctx, cancel := context.WithTimeout(context.Background(), s.Params.PollInterval)
		defer cancel()
		if err := s.Cancel(cctx, qid); err != nil {
			log.Debugw("cancelling fetch", "query", qid, "err", err)
		}
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrStopped
	}
}

// SendRequest issues req to p. promise is completed with the response or a
// *mesh.RequestError.
func (s *Service) SendRequest(
	ctx context.Context,
	p peer.ID,
	req mesh.Request,
	promise *mesh.Promise[mesh.Response],
) (engine.RequestID, error) {
	return execErr(ctx, s, func(e *engine.Engine) (engine.RequestID, error) {
		return e.SendRequest(p, req, promise)
	})
}

// Request sends req to p and waits for the response.
func (s *Service) Request(ctx context.Context, p peer.ID, req mesh.Request) (mesh.Response, error) {
	promise := mesh.NewPromise[mesh.Response]()
	if _, err := s.SendRequest(ctx, p, req, promise); err != nil {
		return mesh.Response{}, err
	}
	return promise.Await(ctx)
}

// Publish broadcasts data on topic.
func (s *Service) Publish(ctx context.Context, topic string, data []byte) (mesh.MessageID, error) {
	return execErr(ctx, s, func(e *engine.Engine) (mesh.MessageID, error) {
		return e.Publish(topic, data)
	})
}

// Subscribe joins topic. It reports whether a new subscription was made.
func (s *Service) Subscribe(ctx context.Context, topic string) (bool, error) {
	return execErr(ctx, s, func(e *engine.Engine) (bool, error) {
		return e.Subscribe(topic)
	})
}

// Unsubscribe leaves topic. It reports whether a subscription existed.
func (s *Service) Unsubscribe(ctx context.Context, topic string) (bool, error) {
	return execErr(ctx, s, func(e *engine.Engine) (bool, error) {
		return e.Unsubscribe(topic)
	})
}

// Bootstrap starts populating the discovery routing table.
func (s *Service) Bootstrap(ctx context.Context) (engine.QueryID, error) {
	return execErr(ctx, s, func(e *engine.Engine) (engine.QueryID, error) {
		return e.Bootstrap()
	})
}

// PublicAddress returns the public address confirmed by NAT detection.
func (s *Service) PublicAddress(ctx context.Context) (ma.Multiaddr, bool, error) {
	res, err := exec(ctx, s, func(e *engine.Engine) result[ma.Multiaddr] {
		addr, ok := e.PublicAddress()
		if !ok {
			return result[ma.Multiaddr]{}
		}
		return result[ma.Multiaddr]{val: addr}
	})
	return res.val, res.val != nil, err
}

// Peers returns the connected peers.
func (s *Service) Peers(ctx context.Context) ([]peer.ID, error) {
	return exec(ctx, s, func(e *engine.Engine) []peer.ID {
		return e.Peers()
	})
}

// PublishAdvertisement asks for addr to be advertised.
func (s *Service) PublishAdvertisement(ctx context.Context, addr ma.Multiaddr) error {
	_, err := exec(ctx, s, func(e *engine.Engine) struct{} {
		e.PublishAdvertisement(addr)
		return struct{}{}
	})
	return err
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/gammazero/deque"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
)

var log = logging.Logger("mesh/service")

// ErrStopped is returned by commands issued to a stopped Service.
var ErrStopped = errors.New("service: stopped")

// Announcer publishes advertisements for addresses the node is reachable on.
type Announcer interface {
	Announce(context.Context, ma.Multiaddr) error
}

// Service owns the Engine. The Engine is not safe for concurrent use, so
// every command is executed on the Service's loop goroutine, which also polls
// the Engine whenever a sub-protocol wakes it.
type Service struct {
	engine    *engine.Engine
	waker     *engine.Waker
	store     mesh.ContentStore
	announcer Announcer

	commands chan func(*engine.Engine)
	events   chan engine.Event

	// only touched on the loop goroutine
	pending deque.Deque[engine.Event]
	waiters map[engine.QueryID]chan<- bool

	Params Parameters

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Service driving e. waker must be the Waker the Engine's
// sub-protocols signal. announcer may be nil.
func New(
	e *engine.Engine,
	waker *engine.Waker,
	store mesh.ContentStore,
	announcer Announcer,
	opts ...Option,
) (*Service, error) {
	params := DefaultParameters()
	for _, opt := range opts {
		opt(&params)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:    e,
		waker:     waker,
		store:     store,
		announcer: announcer,
		commands:  make(chan func(*engine.Engine)),
		events:    make(chan engine.Event),
		waiters:   make(map[engine.QueryID]chan<- bool),
		Params:    params,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}, nil
}

// Start runs the loop, subscribes to the configured topics and bootstraps
// discovery. An empty routing table is not an error.
func (s *Service) Start(ctx context.Context) error {
	go s.loop()

	for _, topic := range s.Params.Topics {
		if _, err := s.Subscribe(ctx, topic); err != nil {
			return err
		}
	}
	if _, err := s.Bootstrap(ctx); err != nil {
		log.Warnw("bootstrap", "err", err)
	}
	return nil
}

// Stop terminates the loop. Events not yet consumed are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the channel of Engine events not handled internally. Events
// queue up without bound until read.
func (s *Service) Events() <-chan engine.Event {
	return s.events
}

func (s *Service) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.Params.PollInterval)
	defer ticker.Stop()

	for {
		s.drain()

		var (
			out  chan<- engine.Event
			next engine.Event
		)
		if s.pending.Len() > 0 {
			out, next = s.events, s.pending.Front()
		}

		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.commands:
			cmd(s.engine)
		case out <- next:
			s.pending.PopFront()
		case <-s.waker.C():
		case <-ticker.C:
		}
	}
}

// drain polls the Engine until it has nothing more to report.
func (s *Service) drain() {
	for {
		ev, ok := s.engine.Poll()
		if !ok {
			return
		}
		if s.dispatch(ev) {
			s.pending.PushBack(ev)
		}
	}
}

// dispatch reacts to ev and reports whether it should be forwarded to Events.
func (s *Service) dispatch(ev engine.Event) bool {
	switch ev := ev.(type) {
	case engine.RequestMessage:
		if !s.answers(ev.Request.Type) {
			return true
		}
		go s.answer(ev)
		return false
	case engine.StartPublish:
		s.announce(ev.Address)
	case engine.NatStatusChanged:
		if ev.New == network.ReachabilityPublic {
			if addr, ok := s.engine.PublicAddress(); ok {
				s.engine.PublishAdvertisement(addr)
			}
		}
	case engine.BlockExchangeOutcome:
		if w, ok := s.waiters[ev.ID]; ok {
			delete(s.waiters, ev.ID)
			w <- ev.Found
		}
	}
	return true
}

// answers reports whether requests of type t are served from the store.
// Other types are left to the consumer of Events, which must answer them
// through the request's Channel.
func (s *Service) answers(t mesh.RequestType) bool {
	// an unset type is malformed and refused here
	return t == mesh.RequestContent || t == 0
}

// answer serves an inbound content request from the store.
func (s *Service) answer(msg engine.RequestMessage) {
	ctx, cancel := context.WithTimeout(s.ctx, s.Params.AnswerTimeout)
	defer cancel()

	resp := mesh.Response{CID: msg.Request.CID}
	if err := msg.Request.Validate(); err != nil {
		log.Debugw("invalid request", "peer", msg.Peer, "err", err)
		resp.Status = mesh.StatusInvalid
	} else {
		data, err := s.store.Get(ctx, msg.Request.CID)
		switch {
		case err == nil:
			resp.Status, resp.Data = mesh.StatusOK, data
		case errors.Is(err, mesh.ErrNotFound):
			resp.Status = mesh.StatusNotFound
		default:
			log.Errorw("serving request", "peer", msg.Peer, "cid", msg.Request.CID, "err", err)
			resp.Status = mesh.StatusInternal
		}
	}

	if err := msg.Channel.Send(resp); err != nil {
		log.Debugw("answering request", "peer", msg.Peer, "id", msg.ID, "err", err)
	}
}

func (s *Service) announce(addr ma.Multiaddr) {
	if s.announcer == nil {
		log.Debugw("no announcer for advertisement", "addr", addr)
		return
	}
	go func() {
		if err := s.announcer.Announce(s.ctx, addr); err != nil {
			log.Warnw("announcing address", "addr", addr, "err", err)
		}
	}()
}

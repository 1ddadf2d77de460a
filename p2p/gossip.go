package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
)

// explicitPeerTag protects explicit gossip peers from connection trimming.
const explicitPeerTag = "mesh-gossip-explicit"

var errGossipStopped = errors.New("gossip: stopped")

// MessageID is the content-addressed gossipsub message id function.
func MessageID(msg *pb.Message) string {
	return string(mesh.NewMessageID(msg.GetData()))
}

// NewGossipSub creates a gossipsub router using content-addressed message ids.
func NewGossipSub(ctx context.Context, h host.Host, opts ...pubsub.Option) (*pubsub.PubSub, error) {
	opts = append([]pubsub.Option{pubsub.WithMessageIdFn(MessageID)}, opts...)
	return pubsub.NewGossipSub(ctx, h, opts...)
}

// Gossip manages topic handles and subscriptions of a gossipsub router and
// reports received messages and peer subscription changes.
type Gossip struct {
	eventQueue[engine.GossipEvent]

	host   host.Host
	pubsub *pubsub.PubSub

	lk       sync.Mutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*gossipSub
	explicit map[peer.ID]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *gossipMetrics
}

type gossipSub struct {
	sub     *pubsub.Subscription
	handler *pubsub.TopicEventHandler
	cancel  context.CancelFunc
}

var _ engine.PubSub = (*Gossip)(nil)

func NewGossip(h host.Host, ps *pubsub.PubSub, waker *engine.Waker) *Gossip {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gossip{
		host:     h,
		pubsub:   ps,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*gossipSub),
		explicit: make(map[peer.ID]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	g.waker = waker
	return g
}

// InitMetrics enables metrics collection.
func (g *Gossip) InitMetrics() (err error) {
	g.metrics, err = newGossipMetrics()
	return err
}

// Stop cancels all subscriptions and closes joined topics.
func (g *Gossip) Stop(context.Context) error {
	g.lk.Lock()
	for topic, s := range g.subs {
		s.close()
		delete(g.subs, topic)
	}
	g.lk.Unlock()

	g.cancel()
	g.wg.Wait()

	g.lk.Lock()
	defer g.lk.Unlock()
	var errs []error
	for name, topic := range g.topics {
		if err := topic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing topic %s: %w", name, err))
		}
		delete(g.topics, name)
	}
	errs = append(errs, g.metrics.Close())
	return errors.Join(errs...)
}

func (g *Gossip) Publish(topic string, data []byte) (mesh.MessageID, error) {
	if g.ctx.Err() != nil {
		return nil, errGossipStopped
	}

	g.lk.Lock()
	t, err := g.join(topic)
	g.lk.Unlock()
	if err != nil {
		return nil, err
	}

	if err := t.Publish(g.ctx, data); err != nil {
		return nil, fmt.Errorf("gossip: publishing to %s: %w", topic, err)
	}
	g.metrics.published(g.ctx, len(data))
	return mesh.NewMessageID(data), nil
}

func (g *Gossip) Subscribe(topic string) (bool, error) {
	if g.ctx.Err() != nil {
		return false, errGossipStopped
	}

	g.lk.Lock()
	defer g.lk.Unlock()
	if _, ok := g.subs[topic]; ok {
		return false, nil
	}

	t, err := g.join(topic)
	if err != nil {
		return false, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return false, fmt.Errorf("gossip: subscribing to %s: %w", topic, err)
	}
	handler, err := t.EventHandler()
	if err != nil {
		sub.Cancel()
		return false, fmt.Errorf("gossip: watching peers of %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(g.ctx)
	s := &gossipSub{sub: sub, handler: handler, cancel: cancel}
	g.subs[topic] = s

	g.wg.Add(2)
	go g.readMessages(ctx, s.sub)
	go g.readPeerEvents(ctx, topic, s.handler)

	g.metrics.subscription(1)
	log.Infow("subscribed", "topic", topic)
	return true, nil
}

func (g *Gossip) Unsubscribe(topic string) (bool, error) {
	g.lk.Lock()
	defer g.lk.Unlock()
	s, ok := g.subs[topic]
	if !ok {
		return false, nil
	}
	s.close()
	delete(g.subs, topic)

	g.metrics.subscription(-1)
	log.Infow("unsubscribed", "topic", topic)
	return true, nil
}

// AddExplicitPeer keeps a permanent connection to the peer.
func (g *Gossip) AddExplicitPeer(p peer.ID) {
	g.lk.Lock()
	if _, ok := g.explicit[p]; ok {
		g.lk.Unlock()
		return
	}
	g.explicit[p] = struct{}{}
	g.lk.Unlock()

	g.host.ConnManager().Protect(p, explicitPeerTag)
	if g.host.Network().Connectedness(p) == network.Connected {
		return
	}
	go func() {
		err := g.host.Connect(g.ctx, g.host.Peerstore().PeerInfo(p))
		if err != nil {
			log.Debugw("connecting to explicit peer", "peer", p, "err", err)
		}
	}()
}

// ExplicitPeers returns the peers added through AddExplicitPeer.
func (g *Gossip) ExplicitPeers() []peer.ID {
	g.lk.Lock()
	defer g.lk.Unlock()
	peers := make([]peer.ID, 0, len(g.explicit))
	for p := range g.explicit {
		peers = append(peers, p)
	}
	return peers
}

// join returns the cached topic handle, joining the topic on first use.
// Must be called with g.lk held.
func (g *Gossip) join(topic string) (*pubsub.Topic, error) {
	if t, ok := g.topics[topic]; ok {
		return t, nil
	}
	t, err := g.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("gossip: joining %s: %w", topic, err)
	}
	g.topics[topic] = t
	return t, nil
}

func (g *Gossip) readMessages(ctx context.Context, sub *pubsub.Subscription) {
	defer g.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		// our own messages are delivered locally as well
		if msg.ReceivedFrom == g.host.ID() {
			continue
		}
		g.metrics.received(ctx, len(msg.Data))
		g.push(engine.GossipEvent{
			Kind:  engine.GossipMessageReceived,
			Peer:  msg.ReceivedFrom,
			Topic: msg.GetTopic(),
			Data:  msg.Data,
			ID:    mesh.MessageID(msg.ID),
		})
	}
}

func (g *Gossip) readPeerEvents(ctx context.Context, topic string, handler *pubsub.TopicEventHandler) {
	defer g.wg.Done()
	for {
		pe, err := handler.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		kind := engine.GossipPeerSubscribed
		if pe.Type == pubsub.PeerLeave {
			kind = engine.GossipPeerUnsubscribed
		}
		g.push(engine.GossipEvent{Kind: kind, Peer: pe.Peer, Topic: topic})
	}
}

func (s *gossipSub) close() {
	s.cancel()
	s.sub.Cancel()
	s.handler.Cancel()
}

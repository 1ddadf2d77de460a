package local

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/deque"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	mesh "github.com/contentmesh/go-mesh"
	"github.com/contentmesh/go-mesh/engine"
)

// Exchange is a simple engine.BlockExchange that resolves queries against a
// ContentStore without any networking. Providers are ignored.
type Exchange struct {
	store mesh.ContentStore
	waker *engine.Waker

	lk        sync.Mutex
	next      engine.QueryID
	events    deque.Deque[engine.BlockExchangeEvent]
	// queries whose completion has not been polled yet
	pending   map[engine.QueryID]struct{}
	cancelled map[engine.QueryID]struct{}
}

var _ engine.BlockExchange = (*Exchange)(nil)

// NewExchange creates a new local Exchange.
func NewExchange(store mesh.ContentStore, waker *engine.Waker) *Exchange {
	return &Exchange{
		store:     store,
		waker:     waker,
		pending:   make(map[engine.QueryID]struct{}),
		cancelled: make(map[engine.QueryID]struct{}),
	}
}

func (l *Exchange) Get(id cid.Cid, _ []peer.ID) engine.QueryID {
	qid := l.issue()
	ok, err := l.store.Has(context.Background(), id)
	if err == nil && !ok {
		err = fmt.Errorf("%w: %s", mesh.ErrNotFound, id)
	}
	l.push(engine.BlockExchangeEvent{Kind: engine.BlockComplete, ID: qid, Err: err})
	return qid
}

// Sync walks the DAG rooted at id through the store, reporting how many
// blocks are still to be visited as progress.
func (l *Exchange) Sync(id cid.Cid, _ []peer.ID) engine.QueryID {
	qid := l.issue()
	err := l.walk(qid, id)
	l.push(engine.BlockExchangeEvent{Kind: engine.BlockComplete, ID: qid, Err: err})
	return qid
}

func (l *Exchange) walk(qid engine.QueryID, root cid.Cid) error {
	ctx := context.Background()
	queue := []cid.Cid{root}
	seen := map[cid.Cid]struct{}{root: {}}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		data, err := l.store.Get(ctx, id)
		if err != nil {
			return err
		}
		links, err := mesh.Links(id, data)
		if err != nil {
			return err
		}
		for _, link := range links {
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			queue = append(queue, link)
		}
		l.push(engine.BlockExchangeEvent{Kind: engine.BlockProgress, ID: qid, Missing: len(queue)})
	}
	return nil
}

// Cancel drops the remaining events of the query. Queries that already
// completed are ignored.
func (l *Exchange) Cancel(id engine.QueryID) {
	l.lk.Lock()
	defer l.lk.Unlock()
	if _, ok := l.pending[id]; ok {
		l.cancelled[id] = struct{}{}
	}
}

// Poll returns the oldest event of a query that was not cancelled.
func (l *Exchange) Poll() (engine.BlockExchangeEvent, bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	for l.events.Len() > 0 {
		ev := l.events.PopFront()
		_, cancelled := l.cancelled[ev.ID]
		if ev.Kind == engine.BlockComplete {
			delete(l.pending, ev.ID)
			delete(l.cancelled, ev.ID)
		}
		if cancelled {
			continue
		}
		return ev, true
	}
	return engine.BlockExchangeEvent{}, false
}

func (l *Exchange) issue() engine.QueryID {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.next++
	l.pending[l.next] = struct{}{}
	return l.next
}

func (l *Exchange) push(ev engine.BlockExchangeEvent) {
	l.lk.Lock()
	l.events.PushBack(ev)
	l.lk.Unlock()
	l.waker.Wake()
}

// IsNotFound reports whether a completion error means the content is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, mesh.ErrNotFound)
}

// Tracked returns the number of queries the Exchange still keeps state for.
func (l *Exchange) Tracked() int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return len(l.pending) + len(l.cancelled)
}

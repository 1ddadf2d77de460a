package p2p

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/contentmesh/go-mesh/engine"
)

// eventQueue hands native events from libp2p goroutines to the engine.
// Push signals the Waker; Poll never blocks.
type eventQueue[E any] struct {
	lk     sync.Mutex
	events deque.Deque[E]
	waker  *engine.Waker
}

func (q *eventQueue[E]) push(ev E) {
	q.lk.Lock()
	q.events.PushBack(ev)
	q.lk.Unlock()
	q.waker.Wake()
}

// Poll returns the oldest queued event.
func (q *eventQueue[E]) Poll() (E, bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.events.Len() == 0 {
		var zero E
		return zero, false
	}
	return q.events.PopFront(), true
}

package meshtest

import (
	"sync"

	"github.com/contentmesh/go-mesh/engine"
)

// PollLog records the order in which fake sub-protocols are polled.
type PollLog struct {
	lk    sync.Mutex
	names []string
}

func (l *PollLog) record(name string) {
	if l == nil {
		return
	}
	l.lk.Lock()
	defer l.lk.Unlock()
	l.names = append(l.names, name)
}

// Names returns the recorded poll order.
func (l *PollLog) Names() []string {
	l.lk.Lock()
	defer l.lk.Unlock()
	return append([]string(nil), l.names...)
}

// Reset drops recorded entries.
func (l *PollLog) Reset() {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.names = l.names[:0]
}

// Queue is a scriptable event source with a non-blocking Poll.
type Queue[E any] struct {
	Name  string
	Log   *PollLog
	Waker *engine.Waker

	lk     sync.Mutex
	events []E
	polls  int
}

// Push queues events and signals the Waker.
func (q *Queue[E]) Push(evs ...E) {
	q.lk.Lock()
	q.events = append(q.events, evs...)
	q.lk.Unlock()
	q.Waker.Wake()
}

// Poll pops the oldest queued event.
func (q *Queue[E]) Poll() (E, bool) {
	q.Log.record(q.Name)

	q.lk.Lock()
	defer q.lk.Unlock()
	q.polls++
	if len(q.events) == 0 {
		var zero E
		return zero, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// Len returns the number of queued events.
func (q *Queue[E]) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.events)
}

// Polls returns how many times Poll was called.
func (q *Queue[E]) Polls() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return q.polls
}

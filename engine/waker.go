package engine

// Waker notifies the driving loop that a sub-protocol has events to poll.
// Wake never blocks and coalesces repeated signals.
type Waker struct {
	ch chan struct{}
}

// NewWaker creates a Waker.
func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{}, 1)}
}

// Wake signals the Waker. Safe to call on nil.
func (w *Waker) Wake() {
	if w == nil {
		return
	}
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel signalled by Wake.
func (w *Waker) C() <-chan struct{} {
	return w.ch
}

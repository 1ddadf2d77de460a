package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentmesh/go-mesh/engine"
)

func TestEventQueue(t *testing.T) {
	waker := engine.NewWaker()
	q := &eventQueue[int]{waker: waker}

	_, ok := q.Poll()
	assert.False(t, ok)

	q.push(1)
	q.push(2)
	select {
	case <-waker.C():
	default:
		t.Fatal("push did not wake")
	}

	v, ok := q.Poll()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Poll()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

// nextEvent waits on the waker until poll yields an event matching keep.
func nextEvent[E any](
	t *testing.T,
	waker *engine.Waker,
	poll func() (E, bool),
	keep func(E) bool,
) E {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		for {
			ev, ok := poll()
			if !ok {
				break
			}
			if keep == nil || keep(ev) {
				return ev
			}
		}
		select {
		case <-waker.C():
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
	}
}
